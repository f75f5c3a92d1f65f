package provider

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/beammedia/control-plane/internal/store"
)

// MockConfig tunes a mock adapter's simulated behavior.
type MockConfig struct {
	// SubmitLatency/PollLatency simulate network round-trip.
	SubmitLatency, PollLatency time.Duration
	// PollsUntilDone is how many Poll calls return PollPending before
	// returning PollDone; 0 means the first poll completes.
	PollsUntilDone int
	// FailureRate is the fraction (0..1) of Submit calls that fail
	// terminally, simulating a provider policy rejection.
	FailureRate float64
	// OutputType is the resource type each output carries.
	OutputType store.ResourceType
	// UsageUnits is the billable usage reported on completion.
	UsageUnits int64
}

// mockAdapter simulates an async media-generation provider: Submit hands
// back an external id immediately, Poll returns PollPending for a fixed
// number of calls and then PollDone with synthetic output URLs.
type mockAdapter struct {
	cfg   MockConfig
	polls map[string]int // externalID -> poll count so far
}

// NewMotionAdapter, NewLipsyncAdapter and NewTTSAdapter are the three
// concrete provider stand-ins named by spec §4.C's "motion, lipsync, tts"
// list. All share the same simulated-async-provider behavior; only the
// default output resource type differs.
func NewMotionAdapter(cfg MockConfig) Adapter {
	if cfg.OutputType == "" {
		cfg.OutputType = store.ResourceVideo
	}
	return &mockAdapter{cfg: cfg, polls: map[string]int{}}
}

func NewLipsyncAdapter(cfg MockConfig) Adapter {
	if cfg.OutputType == "" {
		cfg.OutputType = store.ResourceVideo
	}
	return &mockAdapter{cfg: cfg, polls: map[string]int{}}
}

func NewTTSAdapter(cfg MockConfig) Adapter {
	if cfg.OutputType == "" {
		cfg.OutputType = store.ResourceAudio
	}
	return &mockAdapter{cfg: cfg, polls: map[string]int{}}
}

// NewImg2ImgAdapter returns a synchronous mock adapter: Submit itself
// returns SyncOutputs, matching TaskModeForType(img2img) == ModeSync.
func NewImg2ImgAdapter(cfg MockConfig) Adapter {
	if cfg.OutputType == "" {
		cfg.OutputType = store.ResourceImage
	}
	return &syncMockAdapter{cfg: cfg}
}

func (m *mockAdapter) Submit(ctx context.Context, inputs json.RawMessage, config json.RawMessage) (SubmitResult, error) {
	if err := sleep(ctx, m.cfg.SubmitLatency); err != nil {
		return SubmitResult{}, err
	}
	if m.cfg.FailureRate > 0 && rand.Float64() < m.cfg.FailureRate {
		return SubmitResult{}, &SubmitError{Kind: ErrTerminal, Message: "provider rejected input"}
	}
	return SubmitResult{ExternalID: uuid.NewString()}, nil
}

func (m *mockAdapter) Poll(ctx context.Context, externalID string, config json.RawMessage) (PollResult, error) {
	if err := sleep(ctx, m.cfg.PollLatency); err != nil {
		return PollResult{}, err
	}

	m.polls[externalID]++
	if m.polls[externalID] <= m.cfg.PollsUntilDone {
		return PollResult{Outcome: PollPending}, nil
	}

	return PollResult{
		Outcome: PollDone,
		Outputs: []Output{{Type: m.cfg.OutputType, URL: "mock://" + externalID + "/output-0"}},
		Usage:   m.cfg.UsageUnits,
	}, nil
}

// syncMockAdapter simulates a synchronous provider: output is ready at
// Submit time, and Poll is never meaningfully called (the Task Engine never
// schedules it for ModeSync tasks).
type syncMockAdapter struct {
	cfg MockConfig
}

func (s *syncMockAdapter) Submit(ctx context.Context, inputs json.RawMessage, config json.RawMessage) (SubmitResult, error) {
	if err := sleep(ctx, s.cfg.SubmitLatency); err != nil {
		return SubmitResult{}, err
	}
	if s.cfg.FailureRate > 0 && rand.Float64() < s.cfg.FailureRate {
		return SubmitResult{}, &SubmitError{Kind: ErrTerminal, Message: "provider rejected input"}
	}

	id := uuid.NewString()
	return SubmitResult{
		ExternalID:  id,
		SyncOutputs: []Output{{Type: s.cfg.OutputType, URL: "mock://" + id + "/output-0"}},
	}, nil
}

func (s *syncMockAdapter) Poll(ctx context.Context, externalID string, config json.RawMessage) (PollResult, error) {
	return PollResult{Outcome: PollDone, Usage: s.cfg.UsageUnits}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
