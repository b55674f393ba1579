package service

import (
	"context"
	"fmt"
	"time"

	"judgeflow/internal/judge/engine"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

const defaultUnitDeadline = 90 * time.Second

// TestCase is the orchestrator's snapshot of one test case.
type TestCase struct {
	ID             int64
	Input          string
	ExpectedOutput string
}

// RunRequest describes one submission to judge.
type RunRequest struct {
	SourceCode string
	LanguageID int
	TestCases  []TestCase
	// Limits forwarded to the engine; zero leaves the engine default.
	CPUTimeLimit float64
	MemoryLimit  int64
}

// Awaiter converges a token to a terminal verdict.
type Awaiter interface {
	Await(ctx context.Context, token engine.Token) (*engine.Verdict, error)
}

// OrchestratorConfig holds orchestrator dependencies.
type OrchestratorConfig struct {
	Gateway engine.Gateway
	Poller  Awaiter
	Policy  engine.Policy
	// UnitDeadline bounds submit plus polling for each test case.
	UnitDeadline time.Duration
}

// Orchestrator judges every test case of a submission concurrently and
// reduces the verdicts to one outcome.
type Orchestrator struct {
	gateway      engine.Gateway
	poller       Awaiter
	policy       engine.Policy
	unitDeadline time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Poller == nil {
		return nil, fmt.Errorf("poller is required")
	}
	if cfg.UnitDeadline <= 0 {
		cfg.UnitDeadline = defaultUnitDeadline
	}
	return &Orchestrator{
		gateway:      cfg.Gateway,
		poller:       cfg.Poller,
		policy:       cfg.Policy,
		unitDeadline: cfg.UnitDeadline,
	}, nil
}

// Run judges req. Per-unit failures count as failing verdicts; an error is
// returned only when the request is rejected up front or when no unit
// produced a verdict at all, in which case the partial outcome is returned
// alongside it.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	if len(req.TestCases) == 0 {
		return nil, appErr.New(appErr.NoTestCases)
	}
	if err := o.policy.Validate(req.SourceCode, req.LanguageID); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]UnitResult, len(req.TestCases))
	group := threading.NewRoutineGroup()
	for i := range req.TestCases {
		idx := i
		tc := req.TestCases[i]
		results[idx] = UnitResult{Index: idx, TestCaseID: tc.ID, Err: errUnitAborted}
		group.RunSafe(func() {
			results[idx] = o.runUnit(ctx, idx, tc, req)
		})
	}
	group.Wait()

	outcome := Aggregate(results)
	logger.Info(ctx, "test run finished",
		zap.String("status", string(outcome.Status)),
		zap.Int("passed", outcome.Passed),
		zap.Int("total", outcome.Total),
		zap.Int("unit_failures", outcome.UnitFailures),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := wholeRunError(results); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, idx int, tc TestCase, req RunRequest) UnitResult {
	unitCtx, cancel := context.WithTimeout(ctx, o.unitDeadline)
	defer cancel()

	res := UnitResult{Index: idx, TestCaseID: tc.ID}
	token, err := o.gateway.Submit(unitCtx, engine.Unit{
		SourceCode:     req.SourceCode,
		LanguageID:     req.LanguageID,
		Stdin:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		CPUTimeLimit:   req.CPUTimeLimit,
		MemoryLimit:    req.MemoryLimit,
	})
	if err != nil {
		res.Err = unitError(unitCtx, err)
		logger.Warn(ctx, "unit submit failed", zap.Int("index", idx), zap.Int64("test_case_id", tc.ID), zap.Error(res.Err))
		return res
	}
	res.Token = token

	verdict, err := o.poller.Await(unitCtx, token)
	if err != nil {
		res.Err = unitError(unitCtx, err)
		logger.Warn(ctx, "unit polling failed",
			zap.Int("index", idx),
			zap.Int64("test_case_id", tc.ID),
			zap.String("token", string(token)),
			zap.Error(res.Err),
		)
		return res
	}
	res.Verdict = verdict
	return res
}

// unitError normalizes a unit deadline into JudgingTimeout.
func unitError(ctx context.Context, err error) error {
	if appErr.GetCode(err) != appErr.InternalServerError {
		return err
	}
	if ctx.Err() == context.DeadlineExceeded {
		return appErr.Wrapf(err, appErr.JudgingTimeout, "unit deadline exceeded")
	}
	return err
}

// wholeRunError reports a run-level failure when every unit failed before
// producing a verdict.
func wholeRunError(results []UnitResult) error {
	var rejected, unavailable, timedOut, other error
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		switch appErr.GetCode(r.Err) {
		case appErr.RejectedByEngine:
			if rejected == nil {
				rejected = r.Err
			}
		case appErr.EngineUnavailable:
			if unavailable == nil {
				unavailable = r.Err
			}
		case appErr.JudgingTimeout:
			if timedOut == nil {
				timedOut = r.Err
			}
		default:
			if other == nil {
				other = r.Err
			}
		}
	}
	switch {
	case rejected != nil:
		return rejected
	case unavailable != nil:
		return unavailable
	case timedOut != nil && other == nil:
		return timedOut
	case other != nil:
		return appErr.Wrapf(other, appErr.JudgeSystemError, "all test cases failed: %v", other)
	default:
		return timedOut
	}
}
