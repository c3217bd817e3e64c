package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	last *sqs.SendMessageInput
	err  error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.last = in
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{MessageId: String("m-1")}, nil
}

func TestPublish_SetsAttributesAndFIFOFields(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.us-east-1.amazonaws.com/123/outbox.fifo")

	id, err := p.Publish(context.Background(), `{"a":1}`, map[string]string{"notification_id": "n-1", "empty": ""}, "n-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "m-1" {
		t.Fatalf("expected message id m-1, got %s", id)
	}
	if _, ok := mock.last.MessageAttributes["notification_id"]; !ok {
		t.Fatalf("notification_id attribute missing")
	}
	if _, ok := mock.last.MessageAttributes["empty"]; ok {
		t.Fatalf("empty attribute should be skipped")
	}
	if mock.last.MessageDeduplicationId == nil || *mock.last.MessageDeduplicationId != "n-1" {
		t.Fatalf("expected dedup id on fifo queue")
	}
}

func TestPublish_StandardQueueSkipsDedup(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.us-east-1.amazonaws.com/123/outbox")

	if _, err := p.Publish(context.Background(), `{}`, nil, "n-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.last.MessageDeduplicationId != nil {
		t.Fatalf("dedup id must not be set on standard queues")
	}
}

func TestPublish_WrapsError(t *testing.T) {
	mock := &mockSQS{err: errors.New("boom")}
	p := NewPublisher(mock, "q")

	if _, err := p.Publish(context.Background(), `{}`, nil, ""); err == nil {
		t.Fatalf("expected error")
	}
}
