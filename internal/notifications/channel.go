package notifications

import (
	"context"
	"errors"
)

// ErrPermanentDelivery marks a channel error that must not be retried.
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// Message is what a channel delivers.
type Message struct {
	NotificationID string   `json:"notification_id"`
	TargetType     Target   `json:"target_type"`
	TargetID       string   `json:"target_id"`
	Type           Type     `json:"type"`
	Title          string   `json:"title,omitempty"`
	Text           string   `json:"text"`
	Payload        *Payload `json:"payload,omitempty"`
}

// SendResult is the channel's verdict on one delivery attempt.
// Reason carries the channel's own description when OK is false.
type SendResult struct {
	OK        bool
	Retryable bool
	Reason    string
}

// Channel delivers a message to a recipient.
type Channel interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, msg Message) (SendResult, error)

func (f ChannelFunc) Send(ctx context.Context, msg Message) (SendResult, error) {
	return f(ctx, msg)
}
