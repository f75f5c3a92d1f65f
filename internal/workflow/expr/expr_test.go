package expr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beammedia/control-plane/internal/store"
)

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestResolve_Var(t *testing.T) {
	ctx := Context{Variables: map[string]json.RawMessage{"imageUrl": rawJSON(t, "https://x/img.png")}}

	v, err := Resolve(ctx, "$var.imageUrl")
	require.NoError(t, err)
	assert.Equal(t, "https://x/img.png", v)
}

func TestResolve_VarMissingIsUndefined(t *testing.T) {
	ctx := Context{Variables: map[string]json.RawMessage{}}
	v, err := Resolve(ctx, "$var.missing")
	require.NoError(t, err)
	assert.Equal(t, Undefined, v)
}

func TestResolve_NodeOutputResourceURL(t *testing.T) {
	started := time.Now()
	ctx := Context{
		NodeStates: map[string]store.NodeState{
			"motion": {
				Status:    store.NodeStatusCompleted,
				StartedAt: &started,
				Output: &store.NodeOutput{
					Resources: []store.TaskResource{{Type: store.ResourceVideo, URL: "https://out/clip.mp4"}},
				},
			},
		},
	}

	v, err := Resolve(ctx, "$node.motion.output.resources[0].url")
	require.NoError(t, err)
	assert.Equal(t, "https://out/clip.mp4", v)
}

func TestResolve_NodeMissingIsUndefined(t *testing.T) {
	ctx := Context{NodeStates: map[string]store.NodeState{}}
	v, err := Resolve(ctx, "$node.motion.output.resources[0].url")
	require.NoError(t, err)
	assert.Equal(t, Undefined, v)
}

func TestResolve_Literal(t *testing.T) {
	v, err := Resolve(Context{}, `$literal.{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, v)
}

func TestResolve_FallbackLiteralString(t *testing.T) {
	v, err := Resolve(Context{}, "plain-string")
	require.NoError(t, err)
	assert.Equal(t, "plain-string", v)
}

func TestEvaluate_Equality(t *testing.T) {
	ctx := Context{Variables: map[string]json.RawMessage{"x": rawJSON(t, "a")}}

	ok, err := Evaluate(ctx, `$var.x == "a"`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(ctx, `$var.x == "b"`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_NumericRelational(t *testing.T) {
	ctx := Context{Variables: map[string]json.RawMessage{"n": rawJSON(t, 5)}}

	ok, err := Evaluate(ctx, `$var.n >= 3`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(ctx, `$var.n < 3`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_AndOrPrecedence(t *testing.T) {
	ctx := Context{Variables: map[string]json.RawMessage{
		"x": rawJSON(t, "a"),
		"y": rawJSON(t, 10),
	}}

	ok, err := Evaluate(ctx, `$var.x == "a" && $var.y > 5 || $var.x == "z"`)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_MissingVariableIsFalseInBooleanContext(t *testing.T) {
	ok, err := Evaluate(Context{}, "$var.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
