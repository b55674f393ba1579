package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/submit/repository"
	appErr "judgeflow/pkg/errors"
)

type fakeProducer struct {
	topic   string
	message *mq.Message
	err     error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.topic = topic
	f.message = message
	return f.err
}

func (f *fakeProducer) Ping(ctx context.Context) error { return nil }
func (f *fakeProducer) Close() error                   { return nil }

func finalizedSubmission() *repository.Submission {
	finished := time.Unix(1700000000, 0)
	return &repository.Submission{
		ID:              42,
		UserID:          9,
		ProblemID:       7,
		LanguageID:      71,
		Status:          model.StatusWrongAnswer,
		PassedTestCases: 1,
		TotalTestCases:  4,
		RuntimeMs:       120,
		FinishedAt:      &finished,
	}
}

func TestPublishVerdict_PublishesKeyedEvent(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	pub := repository.NewMQVerdictEventPublisher(producer, "submission.verdict")

	if err := pub.PublishVerdict(context.Background(), finalizedSubmission()); err != nil {
		t.Fatalf("PublishVerdict() error = %v", err)
	}
	if producer.topic != "submission.verdict" || producer.message.ID != "42" {
		t.Fatalf("unexpected routing topic=%s id=%s", producer.topic, producer.message.ID)
	}
	if producer.message.Headers["status"] != "WRONG_ANSWER" {
		t.Fatalf("unexpected headers %v", producer.message.Headers)
	}
	var event repository.VerdictEvent
	if err := json.Unmarshal(producer.message.Body, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != repository.VerdictEventType || event.Score != 25 || event.FinishedAt != 1700000000 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishVerdict_RejectsPendingSubmission(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	pub := repository.NewMQVerdictEventPublisher(producer, "submission.verdict")
	sub := finalizedSubmission()
	sub.Status = model.StatusPending

	if err := pub.PublishVerdict(context.Background(), sub); err == nil {
		t.Fatal("expected error for pending submission")
	}
	if producer.message != nil {
		t.Fatal("pending submission must not be published")
	}
}

func TestPublishVerdict_WrapsProducerError(t *testing.T) {
	t.Parallel()
	cause := errors.New("broker down")
	pub := repository.NewMQVerdictEventPublisher(&fakeProducer{err: cause}, "submission.verdict")

	err := pub.PublishVerdict(context.Background(), finalizedSubmission())
	if !appErr.Is(err, appErr.ServiceUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped ServiceUnavailable, got %v", err)
	}
}

func TestPublishVerdict_RequiresConfiguration(t *testing.T) {
	t.Parallel()
	var pub *repository.MQVerdictEventPublisher
	if err := pub.PublishVerdict(context.Background(), finalizedSubmission()); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	if err := repository.NewMQVerdictEventPublisher(&fakeProducer{}, "").PublishVerdict(context.Background(), finalizedSubmission()); err == nil {
		t.Fatal("expected error for empty topic")
	}
}
