package metrics

import "time"

// Dispatch outcomes as recorded in metrics.
const (
	OutcomeSent      = "sent"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomePermanent = "permanent"
)

// Recorder receives the engine's operational signals.
type Recorder interface {
	ObserveDispatch(outcome string, d time.Duration)
	ObserveCycle(claimed, conflicts int, d time.Duration)
	ObservePaymentEvent(result string)
	ObserveTransition(from, to string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveDispatch(string, time.Duration) {}
func (Nop) ObserveCycle(int, int, time.Duration) {}
func (Nop) ObservePaymentEvent(string) {}
func (Nop) ObserveTransition(string, string) {}

// Multi fans every signal out to all recorders.
type Multi []Recorder

func (m Multi) ObserveDispatch(outcome string, d time.Duration) {
	for _, r := range m {
		r.ObserveDispatch(outcome, d)
	}
}

func (m Multi) ObserveCycle(claimed, conflicts int, d time.Duration) {
	for _, r := range m {
		r.ObserveCycle(claimed, conflicts, d)
	}
}

func (m Multi) ObservePaymentEvent(result string) {
	for _, r := range m {
		r.ObservePaymentEvent(result)
	}
}

func (m Multi) ObserveTransition(from, to string) {
	for _, r := range m {
		r.ObserveTransition(from, to)
	}
}
