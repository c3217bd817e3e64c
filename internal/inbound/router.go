// Package inbound routes bot button presses to the services that own them.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/imrishuroy/go-orderflow-notifier/internal/feedback"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	log "github.com/sirupsen/logrus"
)

const cancelPrefix = "cancel_notification_"

var (
	ErrUnknownCallback = errors.New("unknown callback")
	ErrForbidden       = errors.New("callback not allowed for sender")
)

// Callback is one button press: who pressed it and the button's data.
// Text carries a free-text reply that follows a prompt, such as a comment.
type Callback struct {
	From string `json:"from"`
	Data string `json:"data"`
	Text string `json:"text,omitempty"`
}

// Ack is the short text shown to the user who pressed the button, with an
// optional follow-up keyboard.
type Ack struct {
	Text    string                 `json:"text"`
	Payload *notifications.Payload `json:"payload,omitempty"`
}

type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, orderID, customerID string, rating int, comment string) (*feedback.Rating, error)
	AddComment(ctx context.Context, orderID, customerID, comment string) (*feedback.Rating, error)
}

type Canceller interface {
	Cancel(ctx context.Context, id string) error
}

// Router dispatches callbacks by data prefix.
type Router struct {
	feedback FeedbackRecorder
	cancel   Canceller
	adminID  string
	log      log.FieldLogger
}

func NewRouter(fb FeedbackRecorder, c Canceller, adminID string, logger log.FieldLogger) *Router {
	return &Router{feedback: fb, cancel: c, adminID: adminID, log: logger}
}

// Route handles cb. Errors from the target service are returned unchanged
// so callers can map them.
func (r *Router) Route(ctx context.Context, cb Callback) (Ack, error) {
	logger := r.log.WithFields(log.Fields{"from": cb.From, "data": cb.Data})

	switch {
	case strings.HasPrefix(cb.Data, feedback.CallbackPrefix):
		orderID, rating, err := feedback.ParseCallback(cb.Data)
		if err != nil {
			return Ack{}, fmt.Errorf("%w: %v", ErrUnknownCallback, err)
		}
		if _, err := r.feedback.RecordFeedback(ctx, orderID, cb.From, rating, ""); err != nil {
			if errors.Is(err, feedback.ErrAlreadyRated) {
				return Ack{Text: "You have already rated this order."}, nil
			}
			return Ack{}, forbidden(err)
		}
		logger.WithField("order_id", orderID).Info("rating received")
		return Ack{Text: "Thank you for your rating!", Payload: feedback.FollowUpKeyboard(orderID)}, nil

	case strings.HasPrefix(cb.Data, feedback.CommentPrefix):
		orderID := strings.TrimPrefix(cb.Data, feedback.CommentPrefix)
		if orderID == "" {
			return Ack{}, fmt.Errorf("%w: empty order id", ErrUnknownCallback)
		}
		if strings.TrimSpace(cb.Text) == "" {
			return Ack{Text: "Please write your comment about the order."}, nil
		}
		if _, err := r.feedback.AddComment(ctx, orderID, cb.From, cb.Text); err != nil {
			return Ack{}, forbidden(err)
		}
		logger.WithField("order_id", orderID).Info("comment received")
		return Ack{Text: "Thank you for your comment!"}, nil

	case strings.HasPrefix(cb.Data, feedback.DonePrefix):
		if strings.TrimPrefix(cb.Data, feedback.DonePrefix) == "" {
			return Ack{}, fmt.Errorf("%w: empty order id", ErrUnknownCallback)
		}
		return Ack{Text: "Thank you for your feedback!"}, nil

	case strings.HasPrefix(cb.Data, cancelPrefix):
		if r.adminID == "" || cb.From != r.adminID {
			logger.Warn("cancel callback from non-admin")
			return Ack{}, ErrForbidden
		}
		id := strings.TrimPrefix(cb.Data, cancelPrefix)
		if id == "" {
			return Ack{}, fmt.Errorf("%w: empty notification id", ErrUnknownCallback)
		}
		if err := r.cancel.Cancel(ctx, id); err != nil {
			return Ack{}, err
		}
		logger.WithField("notification_id", id).Info("notification cancelled from chat")
		return Ack{Text: "Notification cancelled."}, nil
	}

	logger.Warn("unknown callback")
	return Ack{}, ErrUnknownCallback
}

// forbidden marks ownership failures as ErrForbidden, keeping the cause.
func forbidden(err error) error {
	if errors.Is(err, feedback.ErrNotOrderOwner) {
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return err
}
