package service

import (
	"context"
	"errors"
	"time"

	"judgeflow/internal/judge/model"
	judgeService "judgeflow/internal/judge/service"
	"judgeflow/internal/submit/repository"
	appErr "judgeflow/pkg/errors"
)

// SubmissionResult is returned to the submitter once judging finishes.
type SubmissionResult struct {
	SubmissionID    int64                  `json:"submission_id"`
	Status          model.SubmissionStatus `json:"status"`
	Score           float64                `json:"score"`
	RuntimeMs       int                    `json:"runtime"`
	MemoryKB        *int64                 `json:"memory,omitempty"`
	PassedTestCases int                    `json:"passed_test_cases"`
	TotalTestCases  int                    `json:"total_test_cases"`
	Output          string                 `json:"output,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
}

// SubmissionSummary is the history view of a submission, without source.
type SubmissionSummary struct {
	ID              int64                  `json:"id"`
	ProblemID       int64                  `json:"problem_id"`
	ProblemTitle    string                 `json:"problem_title,omitempty"`
	LanguageID      int                    `json:"language_id"`
	Status          model.SubmissionStatus `json:"status"`
	Score           float64                `json:"score"`
	RuntimeMs       int                    `json:"runtime"`
	MemoryKB        *int64                 `json:"memory,omitempty"`
	PassedTestCases int                    `json:"passed_test_cases"`
	TotalTestCases  int                    `json:"total_test_cases"`
	Output          string                 `json:"output,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	SubmittedAt     time.Time              `json:"submitted_at"`
}

// SubmissionDetail is the full view of one submission. SourceCode is only
// filled for the owner.
type SubmissionDetail struct {
	SubmissionSummary
	UserID     int64      `json:"user_id,omitempty"`
	SourceCode string     `json:"source_code,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// GetByUser returns the caller's submission history, newest first.
func (s *SubmitService) GetByUser(ctx context.Context, userID int64) ([]SubmissionSummary, error) {
	if userID <= 0 {
		return nil, appErr.New(appErr.Unauthorized).WithMessage("login required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	list, err := s.submissionRepo.ListByUser(ctxDB.ctx, userID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list user submissions failed")
	}
	return toSummaries(list), nil
}

// GetByProblem returns a problem's submission history, newest first.
func (s *SubmitService) GetByProblem(ctx context.Context, problemID int64) ([]SubmissionSummary, error) {
	if problemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	list, err := s.submissionRepo.ListByProblem(ctxDB.ctx, problemID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list problem submissions failed")
	}
	return toSummaries(list), nil
}

// GetByID returns one submission. viewerID is the authenticated caller, 0 if
// anonymous; source code is disclosed to the owner only.
func (s *SubmitService) GetByID(ctx context.Context, submissionID, viewerID int64) (*SubmissionDetail, error) {
	submission, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	detail := &SubmissionDetail{
		SubmissionSummary: toSummary(submission),
		UserID:            submission.UserID,
		FinishedAt:        submission.FinishedAt,
	}
	if viewerID > 0 && viewerID == submission.UserID {
		source, err := s.Source(ctx, submission)
		if err != nil {
			return nil, err
		}
		detail.SourceCode = source
	}
	return detail, nil
}

func (s *SubmitService) getSubmission(ctx context.Context, submissionID int64) (*repository.Submission, error) {
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	submission, err := s.submissionRepo.GetByID(ctxDB.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return submission, nil
}

func toResult(submission *repository.Submission) *SubmissionResult {
	return &SubmissionResult{
		SubmissionID:    submission.ID,
		Status:          submission.Status,
		Score:           judgeService.Score(submission.PassedTestCases, submission.TotalTestCases),
		RuntimeMs:       submission.RuntimeMs,
		MemoryKB:        submission.MemoryKB,
		PassedTestCases: submission.PassedTestCases,
		TotalTestCases:  submission.TotalTestCases,
		Output:          submission.Output,
		ErrorMessage:    submission.ErrorMessage,
	}
}

func toSummary(submission *repository.Submission) SubmissionSummary {
	return SubmissionSummary{
		ID:              submission.ID,
		ProblemID:       submission.ProblemID,
		ProblemTitle:    submission.ProblemTitle,
		LanguageID:      submission.LanguageID,
		Status:          submission.Status,
		Score:           judgeService.Score(submission.PassedTestCases, submission.TotalTestCases),
		RuntimeMs:       submission.RuntimeMs,
		MemoryKB:        submission.MemoryKB,
		PassedTestCases: submission.PassedTestCases,
		TotalTestCases:  submission.TotalTestCases,
		Output:          submission.Output,
		ErrorMessage:    submission.ErrorMessage,
		SubmittedAt:     submission.SubmittedAt,
	}
}

func toSummaries(list []*repository.Submission) []SubmissionSummary {
	out := make([]SubmissionSummary, 0, len(list))
	for _, submission := range list {
		out = append(out, toSummary(submission))
	}
	return out
}
