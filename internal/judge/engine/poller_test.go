package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/judge/engine"
	appErr "judgeflow/pkg/errors"
)

// scriptedGateway replays a fixed sequence of poll results and then repeats the last one.
type scriptedGateway struct {
	mu      sync.Mutex
	results []pollResult
	polls   int
}

type pollResult struct {
	verdict *engine.Verdict
	err     error
}

func (g *scriptedGateway) Submit(ctx context.Context, unit engine.Unit) (engine.Token, error) {
	return "tok", nil
}

func (g *scriptedGateway) Poll(ctx context.Context, token engine.Token) (*engine.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.polls
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	g.polls++
	r := g.results[idx]
	return r.verdict, r.err
}

func (g *scriptedGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

func status(id int) *engine.Verdict {
	return &engine.Verdict{Status: &engine.Status{ID: id}}
}

func fastPoller(g engine.Gateway, deadline time.Duration) *engine.Poller {
	return engine.NewPoller(g, engine.PollerConfig{
		InitialDelay: time.Millisecond,
		Interval:     time.Millisecond,
		Deadline:     deadline,
	})
}

func TestPollerAwait_PollsUntilTerminal(t *testing.T) {
	t.Parallel()
	g := &scriptedGateway{results: []pollResult{
		{verdict: status(engine.StatusInQueue)},
		{verdict: &engine.Verdict{}},
		{verdict: status(engine.StatusProcessing)},
		{verdict: status(engine.StatusAccepted)},
	}}

	v, err := fastPoller(g, time.Second).Await(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !v.Accepted() {
		t.Fatalf("expected accepted, got %d", v.StatusID())
	}
	if g.count() != 4 {
		t.Fatalf("expected 4 polls, got %d", g.count())
	}
}

func TestPollerAwait_NeverTerminalTimesOut(t *testing.T) {
	t.Parallel()
	g := &scriptedGateway{results: []pollResult{{verdict: &engine.Verdict{}}}}

	start := time.Now()
	_, err := fastPoller(g, 50*time.Millisecond).Await(context.Background(), "tok")
	if !appErr.Is(err, appErr.JudgingTimeout) {
		t.Fatalf("expected JudgingTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Await did not honor deadline")
	}
}

func TestPollerAwait_AttemptCeilingTimesOut(t *testing.T) {
	t.Parallel()
	g := &scriptedGateway{results: []pollResult{{verdict: status(engine.StatusProcessing)}}}

	_, err := fastPoller(g, time.Minute).Await(context.Background(), "tok")
	if !appErr.Is(err, appErr.JudgingTimeout) {
		t.Fatalf("expected JudgingTimeout, got %v", err)
	}
	if g.count() != 40 {
		t.Fatalf("expected 40 polls, got %d", g.count())
	}
}

func TestPollerAwait_PollErrorReturnedWithoutRetry(t *testing.T) {
	t.Parallel()
	unavailable := appErr.New(appErr.EngineUnavailable)
	g := &scriptedGateway{results: []pollResult{
		{verdict: status(engine.StatusInQueue)},
		{err: unavailable},
	}}

	_, err := fastPoller(g, time.Second).Await(context.Background(), "tok")
	if !errors.Is(err, unavailable) {
		t.Fatalf("expected poll error, got %v", err)
	}
	if g.count() != 2 {
		t.Fatalf("expected 2 polls, got %d", g.count())
	}
}

func TestPollerConfig_EnforcesMinimumAttempts(t *testing.T) {
	t.Parallel()
	p := engine.NewPoller(&scriptedGateway{}, engine.PollerConfig{MaxAttempts: 5})
	cfg := p.Config()
	if cfg.MaxAttempts != 40 {
		t.Fatalf("MaxAttempts = %d, want 40", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 500*time.Millisecond || cfg.Interval != 800*time.Millisecond || cfg.Deadline != 90*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
