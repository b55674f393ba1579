package service

import (
	"errors"
	"math"

	"judgeflow/internal/judge/engine"
	"judgeflow/internal/judge/model"
)

var errUnitAborted = errors.New("judging unit aborted")

// UnitResult is one test case's slot in the result buffer.
type UnitResult struct {
	Index      int
	TestCaseID int64
	Token      engine.Token
	Verdict    *engine.Verdict
	Err        error
}

// Passed reports whether the engine accepted this unit.
func (r UnitResult) Passed() bool {
	return r.Err == nil && r.Verdict.Accepted()
}

// category is the failure kind this unit implies alone, empty for units
// that never produced a verdict.
func (r UnitResult) category() model.SubmissionStatus {
	if r.Err != nil || r.Verdict == nil {
		return ""
	}
	return model.CategoryForEngineStatus(r.Verdict.StatusID())
}

// Outcome is the aggregate result of a test run.
type Outcome struct {
	Status       model.SubmissionStatus
	Passed       int
	Total        int
	RuntimeMs    int
	MemoryKB     int64
	Output       string
	Error        string
	UnitFailures int

	// FailedTestCaseID is the first failing test case in input order, 0 if none.
	FailedTestCaseID int64
}

// Score is 100 * passed / total, or 0 with no test cases.
func (o *Outcome) Score() float64 {
	return Score(o.Passed, o.Total)
}

// Score is 100 * passed / total, or 0 when total is 0.
func Score(passed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(passed) * 100 / float64(total)
}

// Aggregate reduces per-unit results, indexed by test case order, to an
// outcome. Diagnostics come from the first failing unit in input order
// regardless of completion order.
func Aggregate(results []UnitResult) *Outcome {
	out := &Outcome{Total: len(results)}
	firstFailure := -1
	var totalMs float64
	var shared model.SubmissionStatus
	mixed := false
	for i, r := range results {
		if r.Verdict != nil && r.Err == nil {
			totalMs += r.Verdict.ElapsedMillis()
			if m := r.Verdict.MemoryKB(); m > out.MemoryKB {
				out.MemoryKB = m
			}
		}
		if r.Passed() {
			out.Passed++
			continue
		}
		if r.Err != nil {
			out.UnitFailures++
		}
		if firstFailure < 0 {
			firstFailure = i
		}
		cat := r.category()
		switch {
		case cat == "":
			mixed = true
		case shared == "":
			shared = cat
		case shared != cat:
			mixed = true
		}
	}
	if out.Total > 0 {
		out.RuntimeMs = int(math.Round(totalMs / float64(out.Total)))
	}

	switch {
	case out.Total > 0 && out.Passed == out.Total:
		out.Status = model.StatusAccepted
	case !mixed && shared != "":
		out.Status = shared
	default:
		out.Status = model.StatusWrongAnswer
	}

	if firstFailure >= 0 {
		r := results[firstFailure]
		out.FailedTestCaseID = r.TestCaseID
		if r.Err != nil {
			out.Error = r.Err.Error()
		} else {
			out.Output = r.Verdict.StdoutText()
			out.Error = r.Verdict.DiagnosticText()
		}
	}
	return out
}
