package model

import "judgeflow/internal/judge/engine"

// SubmissionStatus is the lifecycle state of a submission. Pending is the
// only non-terminal value.
type SubmissionStatus string

const (
	StatusPending           SubmissionStatus = "PENDING"
	StatusAccepted          SubmissionStatus = "ACCEPTED"
	StatusWrongAnswer       SubmissionStatus = "WRONG_ANSWER"
	StatusTimeLimitExceeded SubmissionStatus = "TIME_LIMIT_EXCEEDED"
	StatusCompilationError  SubmissionStatus = "COMPILATION_ERROR"
	StatusRuntimeError      SubmissionStatus = "RUNTIME_ERROR"
	StatusJudgeEngineError  SubmissionStatus = "JUDGE_ENGINE_ERROR"
	StatusJudgeTimeout      SubmissionStatus = "JUDGE_TIMEOUT"
	StatusInternalError     SubmissionStatus = "INTERNAL_ERROR"
)

// IsTerminal reports whether no further transition can happen.
func (s SubmissionStatus) IsTerminal() bool {
	return s != StatusPending && s != ""
}

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusCompilationError, StatusRuntimeError, StatusJudgeEngineError,
		StatusJudgeTimeout, StatusInternalError:
		return true
	}
	return false
}

// CategoryForEngineStatus maps a terminal engine status id to the
// submission status it implies on its own.
func CategoryForEngineStatus(id int) SubmissionStatus {
	switch {
	case id == engine.StatusAccepted:
		return StatusAccepted
	case id == engine.StatusWrongAnswer:
		return StatusWrongAnswer
	case id == engine.StatusTimeLimitExceeded:
		return StatusTimeLimitExceeded
	case id == engine.StatusCompilationError:
		return StatusCompilationError
	case id >= engine.StatusRuntimeErrorFirst && id <= engine.StatusRuntimeErrorLast:
		return StatusRuntimeError
	case id == engine.StatusInternalError, id == engine.StatusExecFormatError:
		return StatusJudgeEngineError
	default:
		return StatusWrongAnswer
	}
}
