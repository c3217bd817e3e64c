package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-orderflow-notifier/internal/metrics"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	log "github.com/sirupsen/logrus"
)

// Repository persists payments. Apply commits everything in an Apply as a
// single unit and returns ErrDuplicateTransaction if the guard exists,
// ErrConflict if the payment moved on, or orders.ErrStatusMismatch if the
// order did.
type Repository interface {
	// Get returns (nil, nil) when the order has no payment.
	Get(ctx context.Context, orderID string) (*Payment, error)
	Create(ctx context.Context, p Payment) error
	Applied(ctx context.Context, guardKey string) (bool, error)
	Apply(ctx context.Context, a Apply) error
}

// OrderMachine is the part of the order state machine the reconciler drives.
type OrderMachine interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	Plan(ctx context.Context, o orders.Order, to orders.Status, actor orders.Actor, opts ...orders.Option) (*orders.Plan, error)
	Observe(p *orders.Plan)
}

// Enqueuer stores notifications outside any transaction.
type Enqueuer interface {
	Insert(ctx context.Context, ns ...notifications.Notification) error
}

// Metric results for payment events.
const (
	resultAuthError       = "auth_error"
	resultValidationError = "validation_error"
	resultReplay          = "replay"
	resultError           = "error"
)

// Reconciler applies payment events to payments and orders.
type Reconciler struct {
	repo      Repository
	orders    OrderMachine
	alerts    Enqueuer
	builder   notifications.Builder
	signer    *Signer
	tolerance int64 // cents
	metrics   metrics.Recorder
	log       log.FieldLogger
}

// NewReconciler wires a reconciler. tolerance is the accepted difference
// between the event amount and the order total, in currency units.
func NewReconciler(repo Repository, om OrderMachine, alerts Enqueuer, builder notifications.Builder, signer *Signer, tolerance float64, rec metrics.Recorder, logger log.FieldLogger) *Reconciler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Reconciler{
		repo:      repo,
		orders:    om,
		alerts:    alerts,
		builder:   builder,
		signer:    signer,
		tolerance: orders.Cents(tolerance),
		metrics:   rec,
		log:       logger,
	}
}

func (r *Reconciler) now() time.Time {
	if r.builder.Now != nil {
		return r.builder.Now().UTC()
	}
	return time.Now().UTC()
}

// Reconcile verifies e and applies it exactly once.
func (r *Reconciler) Reconcile(ctx context.Context, e Event) (*Result, error) {
	logger := r.log.WithFields(log.Fields{
		"order_id":       e.OrderID,
		"transaction_id": e.TransactionID,
		"status":         e.Status,
	})

	if err := r.signer.Verify(e); err != nil {
		r.metrics.ObservePaymentEvent(resultAuthError)
		logger.WithError(err).Warn("payment event rejected: bad signature")
		return nil, err
	}

	res, err := r.reconcile(ctx, e)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		r.metrics.ObservePaymentEvent(resultValidationError)
		logger.WithError(err).Error("payment event rejected")
		r.alert(ctx, e, verr)
		return nil, err
	case err != nil:
		r.metrics.ObservePaymentEvent(resultError)
		logger.WithError(err).Error("payment event not applied")
		return nil, err
	case res.Replay:
		r.metrics.ObservePaymentEvent(resultReplay)
		logger.Info("payment event already applied")
	default:
		r.metrics.ObservePaymentEvent(string(res.Payment.Status))
		logger.WithField("notifications", len(res.Notifications)).Info("payment event applied")
	}
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, e Event) (*Result, error) {
	status, err := r.validate(e)
	if err != nil {
		return nil, err
	}
	orderID := string(e.OrderID)

	o, err := r.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, invalid("order_id", "unknown order %s", orderID)
	}
	if err != nil {
		return nil, err
	}

	guard := GuardKey(e.TransactionID, status)
	applied, err := r.repo.Applied(ctx, guard)
	if err != nil {
		return nil, err
	}
	if applied {
		return r.replay(ctx, o)
	}

	res, err := r.apply(ctx, e, status, guard, o)
	if err != nil {
		// a concurrent delivery of the same event may have won after the
		// guard was checked; its effects make this attempt fail
		if applied, gerr := r.repo.Applied(ctx, guard); gerr == nil && applied {
			return r.replay(ctx, o)
		}
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, e Event, status Status, guard string, o *orders.Order) (*Result, error) {
	p, err := r.repo.Get(ctx, o.OrderID)
	if err != nil {
		return nil, err
	}
	if p != nil && p.TransactionID != "" && p.TransactionID != e.TransactionID {
		return nil, invalid("transaction_id", "order %s is paid by transaction %s", o.OrderID, p.TransactionID)
	}
	if settled(p, e.TransactionID, status) {
		return r.replay(ctx, o)
	}
	if diff := orders.Cents(e.Amount) - orders.Cents(o.Amount); diff > r.tolerance || -diff > r.tolerance {
		return nil, invalid("amount", "got %s, order total is %s", orders.FormatAmount(e.Amount), orders.FormatAmount(o.Amount))
	}

	a, err := r.plan(ctx, e, status, o, p)
	if err != nil {
		return nil, err
	}
	a.GuardKey = guard
	if err := r.repo.Apply(ctx, *a); err != nil {
		return nil, fmt.Errorf("apply payment event: %w", err)
	}

	res := &Result{Payment: &a.Payment, Order: o, Notifications: a.Notifications}
	if a.Plan != nil {
		r.orders.Observe(a.Plan)
		res.Order = &a.Plan.Order
		res.Notifications = append(append([]notifications.Notification(nil), a.Plan.Notifications...), a.Notifications...)
	}
	return res, nil
}

// settled reports whether an event on the stored transaction arrives after the
// payment reached a final status. Only a refund of a success may still move it.
func settled(p *Payment, txn string, status Status) bool {
	if p == nil || p.TransactionID != txn || p.Status == StatusPending {
		return false
	}
	return !(p.Status == StatusSuccess && status == StatusRefunded)
}

func (r *Reconciler) validate(e Event) (Status, error) {
	if strings.TrimSpace(string(e.OrderID)) == "" {
		return "", invalid("order_id", "required")
	}
	if strings.TrimSpace(e.TransactionID) == "" {
		return "", invalid("transaction_id", "required")
	}
	status, err := ParseEventStatus(e.Status)
	if err != nil {
		return "", invalid("status", "%v", err)
	}
	if e.Amount <= 0 {
		return "", invalid("amount", "must be positive")
	}
	if e.PaymentMethod != "" && !ValidMethod(e.PaymentMethod) {
		return "", invalid("payment_method", "unknown method %q", e.PaymentMethod)
	}
	return status, nil
}

// plan computes the writes for an event whose guard is not yet taken.
func (r *Reconciler) plan(ctx context.Context, e Event, status Status, o *orders.Order, prev *Payment) (*Apply, error) {
	now := r.now()
	p := Payment{
		OrderID:   o.OrderID,
		PaymentID: uuid.NewString(),
		Status:    StatusPending,
		Method:    o.PaymentMethod,
		Amount:    o.Amount,
		CreatedAt: now,
	}
	a := &Apply{}
	if prev != nil {
		p = *prev
		a.Previous = prev.Status
	}
	if e.PaymentMethod != "" {
		p.Method = e.PaymentMethod
	}
	p.TransactionID = e.TransactionID
	p.Amount = e.Amount
	p.ProviderData = sanitize(e.Metadata)
	p.UpdatedAt = now

	switch status {
	case StatusSuccess, StatusFailed:
		if p.Status != StatusPending {
			return nil, invalid("status", "payment for order %s is already %s", o.OrderID, p.Status)
		}
	case StatusRefunded:
		if p.Status != StatusSuccess {
			return nil, invalid("status", "only successful payments can be refunded, payment is %s", p.Status)
		}
	}
	p.Status = status

	vars := o.Variables()
	vars["amount"] = orders.FormatAmount(e.Amount)
	switch status {
	case StatusSuccess:
		p.PaidAt = &now
		p.ErrorMessage = ""
		plan, err := r.orders.Plan(ctx, *o, orders.StatusConfirmed, orders.ActorPayment)
		if err != nil {
			return nil, err
		}
		a.Plan = plan
	case StatusFailed:
		p.ErrorMessage = errorMessage(e.Metadata)
		if p.ErrorMessage == "" {
			p.ErrorMessage = "payment failed"
		}
		vars["error"] = p.ErrorMessage
		plan, err := r.orders.Plan(ctx, *o, orders.StatusFailed, orders.ActorPayment,
			orders.WithReason(p.ErrorMessage),
			orders.WithNotifications(
				r.builder.New(notifications.Spec{TargetType: notifications.TargetUser, TargetID: o.CustomerID, Type: notifications.TypePaymentFailed, OrderID: o.OrderID, Variables: vars}),
				r.builder.New(notifications.Spec{TargetType: notifications.TargetAdmin, Type: notifications.TypeAdminPaymentFailed, OrderID: o.OrderID, Variables: vars}),
			))
		if err != nil {
			return nil, err
		}
		a.Plan = plan
	case StatusRefunded:
		p.RefundedAt = &now
		a.Notifications = []notifications.Notification{
			r.builder.New(notifications.Spec{TargetType: notifications.TargetUser, TargetID: o.CustomerID, Type: notifications.TypePaymentRefunded, OrderID: o.OrderID, Variables: vars}),
		}
	}
	a.Payment = p
	return a, nil
}

func (r *Reconciler) replay(ctx context.Context, o *orders.Order) (*Result, error) {
	p, err := r.repo.Get(ctx, o.OrderID)
	if err != nil {
		return nil, err
	}
	if current, err := r.orders.Get(ctx, o.OrderID); err == nil {
		o = current
	}
	return &Result{Payment: p, Order: o, Replay: true}, nil
}

// alert tells staff about a rejected event. Failing to alert is logged and
// does not change the outcome.
func (r *Reconciler) alert(ctx context.Context, e Event, verr *ValidationError) {
	n := r.builder.New(notifications.Spec{
		TargetType: notifications.TargetAdmin,
		Type:       notifications.TypeAdminAlert,
		OrderID:    string(e.OrderID),
		Variables: map[string]string{
			"subject": "Payment event rejected",
			"detail":  fmt.Sprintf("order %s, transaction %s: %s", e.OrderID, e.TransactionID, verr.Error()),
		},
	})
	if err := r.alerts.Insert(ctx, n); err != nil {
		r.log.WithError(err).WithField("order_id", e.OrderID).Error("failed to enqueue payment alert")
	}
}

// CreatePending opens the pending payment of a pending order at checkout.
func (r *Reconciler) CreatePending(ctx context.Context, orderID, method string) (*Payment, error) {
	if !ValidMethod(method) {
		return nil, invalid("payment_method", "unknown method %q", method)
	}
	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusPending {
		return nil, invalid("order_id", "order %s is %s, not pending", orderID, o.Status)
	}
	now := r.now()
	p := Payment{
		OrderID:   o.OrderID,
		PaymentID: uuid.NewString(),
		Status:    StatusPending,
		Method:    method,
		Amount:    o.Amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	r.log.WithFields(log.Fields{"order_id": orderID, "payment_id": p.PaymentID, "method": method}).Info("payment created")
	return &p, nil
}

// Get returns the payment of an order or ErrNotFound.
func (r *Reconciler) Get(ctx context.Context, orderID string) (*Payment, error) {
	p, err := r.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return p, nil
}
