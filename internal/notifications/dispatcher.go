package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Outcome is the classification of a single delivery attempt.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result of Dispatcher.Dispatch.
type Result struct {
	Outcome  Outcome
	Rendered Rendered
	Reason   string
	// Err is set when the row could not be rendered.
	Err error
}

// Error text that means the recipient can never be reached.
var permanentMarkers = []string{
	"chat not found",
	"blocked",
	"deactivated",
	"forbidden",
	"not found",
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps a channel response to exactly one outcome. A reply from
// the channel is trusted: its Retryable flag decides between transient and
// permanent. Errors are read by sentinel and text; one with no recognisable
// text is a transport failure and therefore transient.
func Classify(res SendResult, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, ErrPermanentDelivery):
			return OutcomePermanent
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return OutcomeTransient
		case containsAny(err.Error(), permanentMarkers):
			return OutcomePermanent
		}
		return OutcomeTransient
	}
	switch {
	case res.OK:
		return OutcomeSent
	case res.Retryable:
		return OutcomeTransient
	}
	return OutcomePermanent
}

// DispatcherConfig bounds each send.
type DispatcherConfig struct {
	SendTimeout   time.Duration
	RatePerSecond float64 // <= 0 disables throttling
}

// Dispatcher renders a notification, sends it through the channel and
// classifies the result. It never touches storage.
type Dispatcher struct {
	channel  Channel
	registry *Registry
	limiter  *rate.Limiter
	timeout  time.Duration
	log      log.FieldLogger
}

// NewDispatcher returns a Dispatcher sending through ch.
func NewDispatcher(ch Channel, registry *Registry, cfg DispatcherConfig, logger log.FieldLogger) *Dispatcher {
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		channel:  ch,
		registry: registry,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  timeout,
		log:      logger,
	}
}

// Render resolves the title and text for n. Rows carrying a message of
// their own are sent as is.
func (d *Dispatcher) Render(n Notification) (Rendered, error) {
	if n.Message != "" {
		return Rendered{Title: n.Title, Message: n.Message}, nil
	}
	return d.registry.Render(n.Type, n.TargetType, n.Variables)
}

// Dispatch performs one delivery attempt for n.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) Result {
	logger := d.log.WithFields(log.Fields{
		"notification_id": n.ID,
		"type":            n.Type,
		"target_type":     n.TargetType,
	})

	rendered, err := d.Render(n)
	if err != nil {
		logger.WithError(err).Error("render failed")
		return Result{Outcome: OutcomePermanent, Reason: err.Error(), Err: err}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeTransient, Rendered: rendered, Reason: fmt.Sprintf("rate limit wait: %v", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.channel.Send(sendCtx, Message{
		NotificationID: n.ID,
		TargetType:     n.TargetType,
		TargetID:       n.TargetID,
		Type:           n.Type,
		Title:          rendered.Title,
		Text:           rendered.Message,
		Payload:        n.Payload,
	})
	if err == nil && !res.OK && sendCtx.Err() != nil {
		err = sendCtx.Err()
	}

	outcome := Classify(res, err)
	reason := res.Reason
	if err != nil {
		reason = err.Error()
	}
	if outcome != OutcomeSent {
		logger.WithFields(log.Fields{"outcome": outcome.String(), "reason": reason}).Warn("delivery attempt failed")
	}
	return Result{Outcome: outcome, Rendered: rendered, Reason: reason}
}
