package mq

import (
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &Message{ID: "sub-1", Body: []byte(`{"status":"ACCEPTED"}`), Timestamp: ts}
	msg.SetHeader("event", "submission.finalized")

	km := toKafkaMessage("submission-verdicts", msg)

	if km.Topic != "submission-verdicts" || string(km.Key) != "sub-1" {
		t.Fatalf("unexpected topic/key: %s %s", km.Topic, km.Key)
	}
	if !km.Time.Equal(ts) {
		t.Fatalf("time = %v", km.Time)
	}
	headers := map[string]string{}
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "submission.finalized" || headers[headerID] != "sub-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers[headerTimestamp] != ts.Format(time.RFC3339Nano) {
		t.Fatalf("timestamp header = %q", headers[headerTimestamp])
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}
