package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// VerdictEventType marks a submission reaching its terminal state.
const VerdictEventType = "submission.finalized"

// VerdictEvent is the message published once per finalized submission.
type VerdictEvent struct {
	Type            string                 `json:"type"`
	SubmissionID    int64                  `json:"submission_id"`
	UserID          int64                  `json:"user_id,omitempty"`
	ProblemID       int64                  `json:"problem_id"`
	LanguageID      int                    `json:"language_id"`
	Status          model.SubmissionStatus `json:"status"`
	Score           float64                `json:"score"`
	PassedTestCases int                    `json:"passed_test_cases"`
	TotalTestCases  int                    `json:"total_test_cases"`
	RuntimeMs       int                    `json:"runtime_ms"`
	FinishedAt      int64                  `json:"finished_at"`
	CreatedAt       int64                  `json:"created_at"`
}

// VerdictEventPublisher publishes verdict events for downstream consumers
// such as leaderboards and notifications.
type VerdictEventPublisher interface {
	PublishVerdict(ctx context.Context, submission *Submission) error
}

// MQVerdictEventPublisher publishes verdict events to a message queue.
type MQVerdictEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQVerdictEventPublisher creates a new MQ verdict event publisher.
func NewMQVerdictEventPublisher(producer mq.Producer, topic string) *MQVerdictEventPublisher {
	return &MQVerdictEventPublisher{producer: producer, topic: topic}
}

// PublishVerdict publishes the terminal state of submission.
func (p *MQVerdictEventPublisher) PublishVerdict(ctx context.Context, submission *Submission) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("verdict topic is required")
	}
	if submission == nil || submission.ID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	if !submission.Status.IsTerminal() {
		return appErr.Newf(appErr.InvalidParams, "submission %d is not finalized", submission.ID)
	}
	event := NewVerdictEvent(submission, time.Now())
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal verdict event failed: %w", err)
	}
	message := mq.NewMessage(strconv.FormatInt(submission.ID, 10), payload)
	message.SetHeader("type", VerdictEventType)
	message.SetHeader("status", string(submission.Status))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish verdict event failed")
	}
	return nil
}

// NewVerdictEvent builds the event for a finalized submission.
func NewVerdictEvent(submission *Submission, now time.Time) VerdictEvent {
	event := VerdictEvent{
		Type:            VerdictEventType,
		SubmissionID:    submission.ID,
		UserID:          submission.UserID,
		ProblemID:       submission.ProblemID,
		LanguageID:      submission.LanguageID,
		Status:          submission.Status,
		PassedTestCases: submission.PassedTestCases,
		TotalTestCases:  submission.TotalTestCases,
		RuntimeMs:       submission.RuntimeMs,
		CreatedAt:       now.Unix(),
	}
	if submission.TotalTestCases > 0 {
		event.Score = float64(submission.PassedTestCases) * 100 / float64(submission.TotalTestCases)
	}
	if submission.FinishedAt != nil {
		event.FinishedAt = submission.FinishedAt.Unix()
	}
	return event
}
