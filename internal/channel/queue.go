package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
)

// Publisher is the outbox queue the bot transport consumes.
type Publisher interface {
	Publish(ctx context.Context, messageBody string, attributes map[string]string, dedupID string) (string, error)
}

var _ Publisher = (*aws.Publisher)(nil)

// Queue hands messages to the outbox queue. A message is delivered once
// the queue accepted it.
type Queue struct {
	pub Publisher
}

func NewQueue(pub Publisher) *Queue {
	return &Queue{pub: pub}
}

func (q *Queue) Send(ctx context.Context, msg notifications.Message) (notifications.SendResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return notifications.SendResult{}, fmt.Errorf("%w: marshal message: %v", notifications.ErrPermanentDelivery, err)
	}
	attrs := map[string]string{
		"notification_id": msg.NotificationID,
		"type":            string(msg.Type),
		"target_type":     string(msg.TargetType),
	}
	if _, err := q.pub.Publish(ctx, string(body), attrs, msg.NotificationID); err != nil {
		if aws.IsRetryable(err) {
			return notifications.SendResult{Retryable: true, Reason: err.Error()}, nil
		}
		return notifications.SendResult{}, err
	}
	return notifications.SendResult{OK: true}, nil
}
