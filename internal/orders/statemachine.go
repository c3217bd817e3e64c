package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-orderflow-notifier/internal/metrics"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	log "github.com/sirupsen/logrus"
)

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	// ErrStatusMismatch is returned when the stored order changed between
	// read and conditional write.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusFailed},
	StatusConfirmed: {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusCompleted},
	StatusCompleted: nil,
	StatusCancelled: nil,
	StatusFailed:    nil,
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the statuses reachable in one step from from.
func AllowedTransitions(from Status) []Status {
	return append([]Status(nil), transitions[from]...)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// FeedbackPlanner builds the delayed feedback request for a completed
// order. A nil notification means feedback is switched off.
type FeedbackPlanner interface {
	PlanFeedbackRequest(ctx context.Context, o Order) (*notifications.Notification, error)
}

// Repository persists orders. Commit applies a Plan atomically: the order
// write is conditional on the status and version the plan was built from.
type Repository interface {
	Create(ctx context.Context, o Order, ns []notifications.Notification) error
	// Get returns (nil, nil) when the id is unknown.
	Get(ctx context.Context, id string) (*Order, error)
	Commit(ctx context.Context, p *Plan) error
	// ListUnflagged returns orders in one of statuses that have no
	// OverdueNotifiedAt yet.
	ListUnflagged(ctx context.Context, statuses ...Status) ([]Order, error)
	// FlagOverdue sets OverdueNotifiedAt, bumps the version and stores n
	// with it. Returns ErrStatusMismatch if the order changed since o was
	// read or was flagged already.
	FlagOverdue(ctx context.Context, o Order, at time.Time, n notifications.Notification) error
}

// Plan is a validated transition that has not been stored yet.
type Plan struct {
	Order           Order
	From            Status
	ExpectedVersion int
	Notifications   []notifications.Notification
}

type planOptions struct {
	reason string
	extra  []notifications.Notification
}

// Option customises a transition.
type Option func(*planOptions)

// WithReason records why the transition happened; cancellations show it
// to the customer.
func WithReason(reason string) Option {
	return func(o *planOptions) { o.reason = reason }
}

// WithNotifications adds rows committed together with the transition.
func WithNotifications(ns ...notifications.Notification) Option {
	return func(o *planOptions) { o.extra = append(o.extra, ns...) }
}

// NewOrder is the input of Create.
type NewOrder struct {
	OrderID         string
	CustomerID      string
	CustomerName    string
	Items           []Item
	Amount          float64
	PaymentMethod   string
	DeliveryAddress string
	Metadata        map[string]interface{}
	// EstimatedDeliveryAt, when set, is when the order counts as late.
	EstimatedDeliveryAt *time.Time
}

// StateMachine owns every order status change.
type StateMachine struct {
	repo     Repository
	builder  notifications.Builder
	feedback FeedbackPlanner
	metrics  metrics.Recorder
	log      log.FieldLogger
	nowFunc  func() time.Time
}

// NewStateMachine wires a state machine. feedback may be nil, in which
// case completed orders get no feedback request.
func NewStateMachine(repo Repository, builder notifications.Builder, feedback FeedbackPlanner, rec metrics.Recorder, logger log.FieldLogger) *StateMachine {
	if rec == nil {
		rec = metrics.Nop{}
	}
	nowFunc := builder.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &StateMachine{
		repo:     repo,
		builder:  builder,
		feedback: feedback,
		metrics:  rec,
		log:      logger,
		nowFunc:  nowFunc,
	}
}

func (m *StateMachine) now() time.Time { return m.nowFunc().UTC() }

// Create stores a pending order together with the customer confirmation
// and the staff alert.
func (m *StateMachine) Create(ctx context.Context, in NewOrder) (*Order, error) {
	if in.CustomerID == "" {
		return nil, fmt.Errorf("customer_id is required")
	}
	if Cents(in.Amount) <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	id := in.OrderID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	o := Order{
		OrderID:         id,
		CustomerID:      in.CustomerID,
		CustomerName:    in.CustomerName,
		Status:          StatusPending,
		Amount:          in.Amount,
		Items:           in.Items,
		PaymentMethod:   in.PaymentMethod,
		DeliveryAddress: in.DeliveryAddress,
		Metadata:        in.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,

		EstimatedDeliveryAt: in.EstimatedDeliveryAt,
		History:         []StatusChange{{To: StatusPending, Actor: ActorCustomer, At: now}},
	}

	vars := o.Variables()
	ns := []notifications.Notification{
		m.builder.New(notifications.Spec{TargetType: notifications.TargetUser, TargetID: o.CustomerID, Type: notifications.TypeOrderCreated, OrderID: o.OrderID, Variables: vars}),
		m.builder.New(notifications.Spec{TargetType: notifications.TargetAdmin, Type: notifications.TypeAdminNewOrder, OrderID: o.OrderID, Variables: vars}),
	}
	if err := m.repo.Create(ctx, o, ns); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	m.log.WithFields(log.Fields{"order_id": o.OrderID, "amount": o.Amount}).Info("order created")
	return &o, nil
}

// Get loads an order or returns ErrNotFound.
func (m *StateMachine) Get(ctx context.Context, id string) (*Order, error) {
	o, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

// Plan validates o -> to and computes the resulting order and the
// notifications the edge produces. It does not write anything.
func (m *StateMachine) Plan(ctx context.Context, o Order, to Status, actor Actor, opts ...Option) (*Plan, error) {
	if !CanTransition(o.Status, to) {
		return nil, &InvalidTransitionError{From: o.Status, To: to}
	}
	var po planOptions
	for _, opt := range opts {
		opt(&po)
	}

	now := m.now()
	next := o
	next.Status = to
	next.UpdatedAt = now
	next.Version = o.Version + 1
	next.History = append(append([]StatusChange(nil), o.History...), StatusChange{
		From: o.Status, To: to, Actor: actor, Reason: po.reason, At: now,
	})
	if ts := next.stamp(to); ts != nil && *ts == nil {
		at := now
		*ts = &at
	}
	if to == StatusCancelled {
		next.CancellationReason = po.reason
	}

	ns, err := m.edgeNotifications(ctx, next)
	if err != nil {
		return nil, err
	}
	ns = append(ns, po.extra...)

	return &Plan{
		Order:           next,
		From:            o.Status,
		ExpectedVersion: o.Version,
		Notifications:   ns,
	}, nil
}

func (m *StateMachine) edgeNotifications(ctx context.Context, o Order) ([]notifications.Notification, error) {
	vars := o.Variables()
	user := func(t notifications.Type) notifications.Notification {
		return m.builder.New(notifications.Spec{TargetType: notifications.TargetUser, TargetID: o.CustomerID, Type: t, OrderID: o.OrderID, Variables: vars})
	}
	admin := func(t notifications.Type) notifications.Notification {
		return m.builder.New(notifications.Spec{TargetType: notifications.TargetAdmin, Type: t, OrderID: o.OrderID, Variables: vars})
	}

	switch o.Status {
	case StatusConfirmed:
		return []notifications.Notification{user(notifications.TypeOrderConfirmed), admin(notifications.TypeAdminNewOrderPaid)}, nil
	case StatusPreparing:
		return []notifications.Notification{user(notifications.TypeOrderPreparing)}, nil
	case StatusReady:
		return []notifications.Notification{user(notifications.TypeOrderReady)}, nil
	case StatusCompleted:
		ns := []notifications.Notification{user(notifications.TypeOrderCompleted)}
		if m.feedback != nil {
			req, err := m.feedback.PlanFeedbackRequest(ctx, o)
			if err != nil {
				return nil, fmt.Errorf("plan feedback request: %w", err)
			}
			if req != nil {
				ns = append(ns, *req)
			}
		}
		return ns, nil
	case StatusCancelled:
		reason := o.CancellationReason
		if reason == "" {
			reason = "not specified"
		}
		vars["reason"] = reason
		return []notifications.Notification{user(notifications.TypeOrderCancelled), admin(notifications.TypeAdminOrderCancelled)}, nil
	}
	// pending -> failed: the payment reconciler attaches its own notifications
	return nil, nil
}

// Commit stores a plan built by Plan.
func (m *StateMachine) Commit(ctx context.Context, p *Plan) error {
	if err := m.repo.Commit(ctx, p); err != nil {
		return err
	}
	m.observe(p)
	return nil
}

func (m *StateMachine) observe(p *Plan) {
	m.metrics.ObserveTransition(string(p.From), string(p.Order.Status))
	m.log.WithFields(log.Fields{
		"order_id":      p.Order.OrderID,
		"from":          p.From,
		"to":            p.Order.Status,
		"notifications": len(p.Notifications),
	}).Info("order transitioned")
}

// Observe records a plan that was committed by another component inside
// its own transaction.
func (m *StateMachine) Observe(p *Plan) { m.observe(p) }

// Transition moves an order to status to. The order update and its
// notifications are stored atomically; nothing is written on error.
func (m *StateMachine) Transition(ctx context.Context, orderID string, to Status, actor Actor, opts ...Option) (*Order, []notifications.Notification, error) {
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.Plan(ctx, *o, to, actor, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Commit(ctx, p); err != nil {
		return nil, nil, err
	}
	return &p.Order, p.Notifications, nil
}
