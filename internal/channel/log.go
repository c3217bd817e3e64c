package channel

import (
	"context"

	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	log "github.com/sirupsen/logrus"
)

// Log writes messages to the logger instead of delivering them. Used for
// local development.
type Log struct {
	log log.FieldLogger
}

func NewLog(logger log.FieldLogger) *Log {
	return &Log{log: logger}
}

func (l *Log) Send(ctx context.Context, msg notifications.Message) (notifications.SendResult, error) {
	l.log.WithFields(log.Fields{
		"notification_id": msg.NotificationID,
		"type":            msg.Type,
		"target_type":     msg.TargetType,
		"target_id":       msg.TargetID,
		"buttons":         msg.Payload != nil,
	}).Info(msg.Text)
	return notifications.SendResult{OK: true}, nil
}
