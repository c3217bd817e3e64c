package notifications

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-orderflow-notifier/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig holds the polling and retry settings.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	ClaimLease   time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		Concurrency:  4,
		BackoffBase:  5 * time.Minute,
		BackoffCap:   30 * time.Minute,
		ClaimLease:   5 * time.Minute,
	}
}

// Backoff is the delay before attempt retryCount+1: linear in the number
// of failures so far, capped.
func (c SchedulerConfig) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := c.BackoffBase * time.Duration(retryCount)
	if c.BackoffCap > 0 && d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}

// CycleResult summarises one RunOnce.
type CycleResult struct {
	Released  int `json:"released"`
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Conflicts int `json:"conflicts"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// RequeueResult summarises one RetryFailed.
type RequeueResult struct {
	Requeued []string `json:"requeued"`
	Skipped  int      `json:"skipped"`
}

var requeueNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("notification-requeue"))

// Scheduler polls for due notifications, claims them and hands them to the
// dispatcher. Several schedulers may share one store; the conditional
// claim decides which one delivers a given row.
type Scheduler struct {
	repo       Repository
	dispatcher *Dispatcher
	builder    Builder
	cfg        SchedulerConfig
	metrics    metrics.Recorder
	log        log.FieldLogger
	nowFunc    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires a scheduler. Zero config fields take the defaults.
func NewScheduler(repo Repository, dispatcher *Dispatcher, builder Builder, cfg SchedulerConfig, rec metrics.Recorder, logger log.FieldLogger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	nowFunc := builder.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		builder:    builder,
		cfg:        cfg,
		metrics:    rec,
		log:        logger,
		nowFunc:    nowFunc,
	}
}

func (s *Scheduler) now() time.Time { return s.nowFunc().UTC() }

// Start runs the polling loop in the background until Stop or ctx ends.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.WithField("poll_interval", s.cfg.PollInterval.String()).Info("scheduler started")
}

// Stop ends the loop and waits for the cycle in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// a started cycle runs to completion so claimed rows are finalized
		if _, err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).Error("scheduler cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single poll-claim-dispatch cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	start := s.now()
	var res CycleResult

	released, err := s.releaseStale(ctx, start)
	if err != nil {
		return res, err
	}
	res.Released = released

	due, err := s.repo.ListDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due: %w", err)
	}
	res.Due = len(due)

	// Claims return the stored row; the listed copy may be stale.
	claimed := make([]Notification, 0, len(due))
	var claimErr error
	for _, n := range due {
		c, err := s.repo.Claim(ctx, n.ID, s.now())
		if errors.Is(err, ErrConflict) {
			res.Conflicts++
			continue
		}
		if err != nil {
			// deliver what is already claimed rather than strand it
			claimErr = fmt.Errorf("claim %s: %w", n.ID, err)
			break
		}
		claimed = append(claimed, *c)
	}
	res.Claimed = len(claimed)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, n := range claimed {
		g.Go(func() error {
			outcome, err := s.process(ctx, n)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case metrics.OutcomeSent:
				res.Sent++
			case metrics.OutcomeRetried:
				res.Retried++
			case metrics.OutcomeFailed, metrics.OutcomePermanent:
				res.Failed++
			}
			return err
		})
	}
	err = errors.Join(claimErr, g.Wait())

	s.metrics.ObserveCycle(res.Claimed, res.Conflicts, s.now().Sub(start))
	if res.Claimed > 0 || res.Conflicts > 0 {
		s.log.WithFields(log.Fields{
			"due":       res.Due,
			"claimed":   res.Claimed,
			"conflicts": res.Conflicts,
			"sent":      res.Sent,
			"retried":   res.Retried,
			"failed":    res.Failed,
		}).Info("scheduler cycle")
	}
	return res, err
}

// process dispatches one claimed row and records the outcome.
func (s *Scheduler) process(ctx context.Context, n Notification) (string, error) {
	logger := s.log.WithFields(log.Fields{"notification_id": n.ID, "type": n.Type})
	start := s.now()
	result := s.dispatcher.Dispatch(ctx, n)
	now := s.now()

	var (
		outcome string
		err     error
	)
	switch result.Outcome {
	case OutcomeSent:
		outcome = metrics.OutcomeSent
		err = s.repo.MarkSent(ctx, n.ID, result.Rendered, now)
	case OutcomeTransient:
		retries := n.RetryCount + 1
		if retries < n.MaxRetries {
			outcome = metrics.OutcomeRetried
			next := now.Add(s.cfg.Backoff(retries))
			err = s.repo.Reschedule(ctx, n.ID, StatusProcessing, retries, next, result.Reason, now)
			logger.WithFields(log.Fields{"retry_count": retries, "next_attempt": next}).Info("delivery rescheduled")
		} else {
			outcome = metrics.OutcomeFailed
			err = s.repo.MarkFailed(ctx, n.ID, StatusProcessing, retries, result.Reason, now)
			logger.WithField("retry_count", retries).Warn("retries exhausted")
		}
	default:
		outcome = metrics.OutcomePermanent
		err = s.repo.MarkFailed(ctx, n.ID, StatusProcessing, n.RetryCount, result.Reason, now)
	}
	s.metrics.ObserveDispatch(outcome, now.Sub(start))

	if errors.Is(err, ErrConflict) {
		// the claim was released as stale while we were sending
		logger.Warn("claim lost before the outcome was recorded")
		return outcome, nil
	}
	if err != nil {
		return outcome, fmt.Errorf("record outcome of %s: %w", n.ID, err)
	}
	if outcome == metrics.OutcomePermanent && missingTemplate(result.Err) && n.Type != TypeAdminAlert {
		s.alertTemplate(ctx, n, result.Err)
	}
	return outcome, nil
}

func missingTemplate(err error) bool {
	return errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrTemplateDisabled)
}

// alertTemplate tells staff that rows of n's type cannot be rendered. Alerts
// are never raised for alert rows, so a broken alert template cannot loop.
func (s *Scheduler) alertTemplate(ctx context.Context, n Notification, cause error) {
	alert := s.builder.New(Spec{
		TargetType: TargetAdmin,
		Type:       TypeAdminAlert,
		OrderID:    n.OrderID,
		Variables: map[string]string{
			"subject": "Notification template unavailable",
			"detail":  fmt.Sprintf("notification %s (%s to %s %s) failed: %v", n.ID, n.Type, n.TargetType, n.TargetID, cause),
		},
	})
	if err := s.repo.Insert(ctx, alert); err != nil {
		s.log.WithError(err).WithField("notification_id", n.ID).Error("failed to enqueue template alert")
		return
	}
	s.log.WithFields(log.Fields{"notification_id": n.ID, "alert_id": alert.ID}).Warn("template alert enqueued")
}

// releaseStale returns rows claimed longer than the lease to pending.
func (s *Scheduler) releaseStale(ctx context.Context, now time.Time) (int, error) {
	inFlight, err := s.repo.ListByStatus(ctx, StatusProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	cutoff := now.Add(-s.cfg.ClaimLease)
	released := 0
	for _, n := range inFlight {
		if n.ClaimedAt == nil || !n.ClaimedAt.Before(cutoff) {
			continue
		}
		err := s.repo.ReleaseClaim(ctx, n.ID, *n.ClaimedAt, now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return released, fmt.Errorf("release %s: %w", n.ID, err)
		}
		released++
		s.log.WithFields(log.Fields{"notification_id": n.ID, "claimed_at": *n.ClaimedAt}).Warn("released expired claim")
	}
	return released, nil
}

// ListScheduled returns pending notifications, soonest first.
func (s *Scheduler) ListScheduled(ctx context.Context, limit int) ([]Notification, error) {
	return s.repo.ListByStatus(ctx, StatusPending, limit)
}

// Get returns a notification or ErrNotFound.
func (s *Scheduler) Get(ctx context.Context, id string) (*Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotFound
	}
	return n, nil
}

// Cancel fails a pending notification on behalf of an operator.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	n, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, n.Status)
	}
	err = s.repo.MarkFailed(ctx, id, StatusPending, n.RetryCount, ReasonCancelledByAdmin, s.now())
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: claimed for delivery", ErrNotCancellable)
	}
	if err != nil {
		return err
	}
	s.log.WithField("notification_id", id).Info("notification cancelled by admin")
	return nil
}

// TriggerNow makes a pending notification due immediately.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	n, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrConflict, n.Status)
	}
	now := s.now()
	return s.repo.Reschedule(ctx, id, StatusPending, n.RetryCount, now, n.ErrorMessage, now)
}

// RetryFailed enqueues a fresh single-attempt copy of every failed
// notification. Copies have ids derived from the original, so a second
// call skips rows it already re-queued. Admin cancellations stay cancelled.
func (s *Scheduler) RetryFailed(ctx context.Context) (RequeueResult, error) {
	failed, err := s.repo.ListByStatus(ctx, StatusFailed, 0)
	if err != nil {
		return RequeueResult{}, fmt.Errorf("list failed: %w", err)
	}
	res := RequeueResult{Requeued: []string{}}
	for _, n := range failed {
		if n.ErrorMessage == ReasonCancelledByAdmin {
			res.Skipped++
			continue
		}
		cp := s.builder.New(Spec{
			ID:         uuid.NewSHA1(requeueNamespace, []byte(n.ID)).String(),
			TargetType: n.TargetType,
			TargetID:   n.TargetID,
			Type:       n.Type,
			OrderID:    n.OrderID,
			Variables:  n.Variables,
			Title:      n.Title,
			Message:    n.Message,
			Payload:    n.Payload,
			MaxRetries: 1,
		})
		cp.RequeuedFrom = n.ID
		err := s.repo.Insert(ctx, cp)
		if errors.Is(err, ErrAlreadyExists) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("requeue %s: %w", n.ID, err)
		}
		res.Requeued = append(res.Requeued, cp.ID)
	}
	s.log.WithFields(log.Fields{"requeued": len(res.Requeued), "skipped": res.Skipped}).Info("failed notifications requeued")
	return res, nil
}

// Stats reports counts for rows created in the last days days.
func (s *Scheduler) Stats(ctx context.Context, days int) (Stats, error) {
	if days < 1 {
		days = 1
	}
	st, err := s.repo.Stats(ctx, s.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.WindowDays = days
	if st.Total > 0 {
		st.SuccessRate = math.Round(float64(st.Sent)/float64(st.Total)*10000) / 100
	}
	return st, nil
}

// ReportDailyStats enqueues the last day's stats to staff.
func (s *Scheduler) ReportDailyStats(ctx context.Context) (*Notification, error) {
	st, err := s.Stats(ctx, 1)
	if err != nil {
		return nil, err
	}
	n := s.builder.New(Spec{
		TargetType: TargetAdmin,
		Type:       TypeAdminDailyStats,
		Variables: map[string]string{
			"period_days":  strconv.Itoa(st.WindowDays),
			"total":        strconv.Itoa(st.Total),
			"sent":         strconv.Itoa(st.Sent),
			"failed":       strconv.Itoa(st.Failed),
			"pending":      strconv.Itoa(st.Pending),
			"success_rate": strconv.FormatFloat(st.SuccessRate, 'f', 2, 64),
		},
	})
	if err := s.repo.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("insert daily stats: %w", err)
	}
	return &n, nil
}
