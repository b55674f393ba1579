package engine

import (
	"context"
	"errors"
	"time"

	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultPollInterval = 800 * time.Millisecond
	minPollAttempts     = 40
	defaultPollDeadline = 90 * time.Second
)

// PollerConfig controls how a token is driven to a terminal verdict.
type PollerConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	Interval     time.Duration `yaml:"interval"`
	// MaxAttempts is raised to at least 40.
	MaxAttempts int           `yaml:"maxAttempts"`
	Deadline    time.Duration `yaml:"deadline"`
}

// ApplyDefaults fills unset fields and enforces the attempt floor.
func (c *PollerConfig) ApplyDefaults() {
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	} else if c.InitialDelay == 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.MaxAttempts < minPollAttempts {
		c.MaxAttempts = minPollAttempts
	}
	if c.Deadline <= 0 {
		c.Deadline = defaultPollDeadline
	}
}

// Poller converges a token to a terminal verdict.
type Poller struct {
	gateway Gateway
	cfg     PollerConfig
}

func NewPoller(gateway Gateway, cfg PollerConfig) *Poller {
	cfg.ApplyDefaults()
	return &Poller{gateway: gateway, cfg: cfg}
}

// Config returns the effective configuration.
func (p *Poller) Config() PollerConfig {
	return p.cfg
}

// Await waits out the grace period and then polls on a fixed interval until
// the job is terminal. It fails with JudgingTimeout when the deadline or the
// attempt ceiling is reached, and returns poll errors without retrying them.
func (p *Poller) Await(ctx context.Context, token Token) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	timer := time.NewTimer(p.cfg.InitialDelay)
	defer timer.Stop()

	var last *Verdict
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, p.deadlineErr(ctx, token, attempt-1, last)
		case <-timer.C:
		}

		verdict, err := p.gateway.Poll(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, p.deadlineErr(ctx, token, attempt, last)
			}
			return nil, err
		}
		if verdict.IsTerminal() {
			return verdict, nil
		}
		last = verdict
		if verdict.Status == nil {
			logger.Debug(ctx, "engine returned verdict without status", zap.String("token", string(token)))
		}
		timer.Reset(p.cfg.Interval)
	}

	logger.Warn(ctx, "poll attempts exhausted",
		zap.String("token", string(token)),
		zap.Int("attempts", p.cfg.MaxAttempts),
		zap.Int("last_status", last.StatusID()),
	)
	return nil, appErr.Newf(appErr.JudgingTimeout, "token %s still running after %d polls", token, p.cfg.MaxAttempts).
		WithDetail("token", string(token))
}

func (p *Poller) deadlineErr(ctx context.Context, token Token, attempts int, last *Verdict) error {
	err := ctx.Err()
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Warn(ctx, "poll deadline exceeded",
		zap.String("token", string(token)),
		zap.Int("attempts", attempts),
		zap.Int("last_status", last.StatusID()),
	)
	return appErr.Wrapf(err, appErr.JudgingTimeout, "token %s not terminal within %s", token, p.cfg.Deadline).
		WithDetail("token", string(token))
}
