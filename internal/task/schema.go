package task

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/beammedia/control-plane/internal/errs"
	"github.com/beammedia/control-plane/internal/store"
)

// configSchemas holds one JSON Schema literal per task type, compiled once
// at startup — grounded on zkoranges-go-claw's StructuredValidator, which
// compiles an in-memory schema via jsonschema.UnmarshalJSON + AddResource
// rather than reading one off disk.
var configSchemas = map[store.TaskType]string{
	store.TaskTypeMotion: `{
		"type": "object",
		"required": ["imageUrl", "motionVideoUrl"],
		"properties": {
			"imageUrl": {"type": "string", "minLength": 1},
			"motionVideoUrl": {"type": "string", "minLength": 1},
			"driveMode": {"type": "string", "enum": ["face", "full-body"]}
		}
	}`,
	store.TaskTypeLipsync: `{
		"type": "object",
		"required": ["videoUrl", "audioUrl"],
		"properties": {
			"videoUrl": {"type": "string", "minLength": 1},
			"audioUrl": {"type": "string", "minLength": 1}
		}
	}`,
	store.TaskTypeTTS: `{
		"type": "object",
		"required": ["text", "voice"],
		"properties": {
			"text": {"type": "string", "minLength": 1, "maxLength": 5000},
			"voice": {"type": "string", "minLength": 1},
			"speed": {"type": "number", "minimum": 0.5, "maximum": 2.0}
		}
	}`,
	store.TaskTypeImg2Img: `{
		"type": "object",
		"required": ["imageUrl", "prompt"],
		"properties": {
			"imageUrl": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "minLength": 1},
			"strength": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
}

// SchemaRegistry compiles and caches the per-type config schema.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[store.TaskType]*jsonschema.Schema
}

// NewSchemaRegistry compiles every entry in configSchemas eagerly, so a
// typo in a literal schema fails process startup rather than the first
// createTask call of that type.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[store.TaskType]*jsonschema.Schema, len(configSchemas))}
	for t, raw := range configSchemas {
		sch, err := compile(string(t), raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", t, err)
		}
		r.schemas[t] = sch
	}
	return r, nil
}

func compile(resourceName, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// Validate checks config (raw JSON) against the schema registered for
// taskType. An unregistered type is an InvalidInput error, same as an
// unconfigured pricing row — the Task Engine fails task creation either way.
func (r *SchemaRegistry) Validate(taskType store.TaskType, config []byte) error {
	r.mu.RLock()
	sch, ok := r.schemas[taskType]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindInvalidInput, fmt.Sprintf("no config schema registered for task type %s", taskType))
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(config)))
	if err != nil {
		return errs.Wrap(errs.KindInvalidInput, "task config is not valid JSON", err)
	}
	if err := sch.Validate(doc); err != nil {
		return errs.Wrap(errs.KindInvalidInput, "task config failed schema validation", err)
	}
	return nil
}
