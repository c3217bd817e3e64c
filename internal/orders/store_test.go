package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
)

const (
	ordersTable        = "orders"
	notificationsTable = "notifications"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// stubFeedback plans a fixed-delay feedback request.
type stubFeedback struct {
	builder notifications.Builder
	err     error
}

func (f stubFeedback) PlanFeedbackRequest(ctx context.Context, o Order) (*notifications.Notification, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.builder.New(notifications.Spec{
		TargetType: notifications.TargetUser,
		TargetID:   o.CustomerID,
		Type:       notifications.TypeFeedbackRequest,
		OrderID:    o.OrderID,
		At:         o.CompletedAt.Add(time.Hour),
	})
	return &n, nil
}

type fixture struct {
	fake  *dynamotest.Fake
	store *Store
	sm    *StateMachine
	clock *fixedClock
}

func newFixture(t *testing.T, feedbackErr error) *fixture {
	t.Helper()
	fake := dynamotest.New().
		CreateTable(ordersTable, "order_id").
		CreateTable(notificationsTable, "notification_id").
		CreateIndex(notificationsTable, "status-due_at-index", "status", "due_at")
	store := NewStore(fake, ordersTable, notifications.NewStore(fake, notificationsTable, "status-due_at-index"))
	clk := &fixedClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	builder := notifications.Builder{MaxRetries: 3, AdminID: "staff", Now: clk.Now}
	sm := NewStateMachine(store, builder, stubFeedback{builder: builder, err: feedbackErr}, nil, logging.Discard())
	return &fixture{fake: fake, store: store, sm: sm, clock: clk}
}

func (f *fixture) create(t *testing.T) *Order {
	t.Helper()
	o, err := f.sm.Create(context.Background(), NewOrder{
		OrderID:       "order-1",
		CustomerID:    "chat-7",
		CustomerName:  "Ann",
		Amount:        1800,
		PaymentMethod: "card",
		Items:         []Item{{ProductID: "p-1", Quantity: 2, Price: 900}},
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return o
}

func (f *fixture) notificationTypes(t *testing.T) map[notifications.Type]notifications.Notification {
	t.Helper()
	out := map[notifications.Type]notifications.Notification{}
	for _, st := range []notifications.Status{notifications.StatusPending} {
		ns, err := notifications.NewStore(f.fake, notificationsTable, "status-due_at-index").ListByStatus(context.Background(), st, 0)
		if err != nil {
			t.Fatalf("ListByStatus error: %v", err)
		}
		for _, n := range ns {
			out[n.Type] = n
		}
	}
	return out
}

func TestCreate_WritesOrderAndNotifications(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)

	if o.Status != StatusPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}
	item := f.fake.Item(ordersTable, "order-1")
	if item == nil {
		t.Fatalf("order item not stored")
	}
	var got Order
	if err := attributevalue.UnmarshalMap(item, &got); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if got.Amount != 1800 || got.CustomerID != "chat-7" {
		t.Fatalf("stored order mismatch: %+v", got)
	}

	ns := f.notificationTypes(t)
	if len(ns) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(ns))
	}
	if ns[notifications.TypeOrderCreated].TargetID != "chat-7" {
		t.Fatalf("ORDER_CREATED should target the customer")
	}
	if ns[notifications.TypeAdminNewOrder].TargetID != "staff" {
		t.Fatalf("ADMIN_NEW_ORDER should target staff")
	}

	// same id again is rejected and nothing new is written
	if _, err := f.sm.Create(context.Background(), NewOrder{OrderID: "order-1", CustomerID: "c", Amount: 1}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if f.fake.Len(notificationsTable) != 2 {
		t.Fatalf("duplicate create must not add notifications")
	}
}

func TestTransition_FullLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t)
	ctx := context.Background()

	steps := []struct {
		to    Status
		types []notifications.Type
	}{
		{StatusConfirmed, []notifications.Type{notifications.TypeOrderConfirmed, notifications.TypeAdminNewOrderPaid}},
		{StatusPreparing, []notifications.Type{notifications.TypeOrderPreparing}},
		{StatusReady, []notifications.Type{notifications.TypeOrderReady}},
		{StatusCompleted, []notifications.Type{notifications.TypeOrderCompleted, notifications.TypeFeedbackRequest}},
	}
	for i, step := range steps {
		f.clock.t = f.clock.t.Add(10 * time.Minute)
		o, ns, err := f.sm.Transition(ctx, "order-1", step.to, ActorStaff)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		if o.Status != step.to || o.Version != i+1 {
			t.Fatalf("unexpected order after %s: status=%s version=%d", step.to, o.Status, o.Version)
		}
		if len(ns) != len(step.types) {
			t.Fatalf("%s: expected %d notifications, got %d", step.to, len(step.types), len(ns))
		}
		for j, typ := range step.types {
			if ns[j].Type != typ {
				t.Fatalf("%s: notification %d is %s, want %s", step.to, j, ns[j].Type, typ)
			}
		}
	}

	o, err := f.sm.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if o.ConfirmedAt == nil || o.PreparingAt == nil || o.ReadyAt == nil || o.CompletedAt == nil {
		t.Fatalf("status timestamps not recorded: %+v", o)
	}
	if o.CancelledAt != nil || o.FailedAt != nil {
		t.Fatalf("timestamps of statuses never entered must stay empty")
	}
	if len(o.History) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(o.History))
	}

	feedback := f.notificationTypes(t)[notifications.TypeFeedbackRequest]
	if !feedback.ScheduledAt.Equal(o.CompletedAt.Add(time.Hour)) {
		t.Fatalf("feedback scheduled at %s, want %s", feedback.ScheduledAt, o.CompletedAt.Add(time.Hour))
	}
}

func TestTransition_InvalidLeavesNoTrace(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t)

	for _, to := range []Status{StatusPending, StatusPreparing, StatusReady, StatusCompleted} {
		_, _, err := f.sm.Transition(context.Background(), "order-1", to, ActorStaff)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("pending -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) || ite.From != StatusPending || ite.To != to {
			t.Fatalf("expected InvalidTransitionError naming the edge, got %v", err)
		}
	}
	if f.fake.Calls("TransactWriteItems") != 1 {
		t.Fatalf("invalid transitions must not write")
	}
	after := f.fake.Item(ordersTable, "order-1")
	if v, ok := after["version"].(*types.AttributeValueMemberN); !ok || v.Value != "0" {
		t.Fatalf("order version changed: %+v", after["version"])
	}
}

func TestTransition_ConcurrentPlansOneWins(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)
	ctx := context.Background()

	confirm, err := f.sm.Plan(ctx, *o, StatusConfirmed, ActorPayment)
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	cancel, err := f.sm.Plan(ctx, *o, StatusCancelled, ActorCustomer, WithReason("changed my mind"))
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}

	if err := f.sm.Commit(ctx, confirm); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := f.sm.Commit(ctx, cancel); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}

	got, _ := f.sm.Get(ctx, "order-1")
	if got.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
	if _, ok := f.notificationTypes(t)[notifications.TypeOrderCancelled]; ok {
		t.Fatalf("losing transition must not leave notifications")
	}
}

func TestTransition_CancelCarriesReason(t *testing.T) {
	f := newFixture(t, nil)
	f.create(t)

	o, ns, err := f.sm.Transition(context.Background(), "order-1", StatusCancelled, ActorStaff, WithReason("out of stock"))
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if o.CancellationReason != "out of stock" || o.CancelledAt == nil {
		t.Fatalf("cancellation not recorded: %+v", o)
	}
	if len(ns) != 2 || ns[0].Variables["reason"] != "out of stock" || ns[1].TargetType != notifications.TargetAdmin {
		t.Fatalf("unexpected cancel notifications: %+v", ns)
	}
}

func TestTransition_FeedbackPlanningFailureAborts(t *testing.T) {
	f := newFixture(t, errors.New("registry unavailable"))
	f.create(t)
	ctx := context.Background()
	for _, to := range []Status{StatusConfirmed, StatusPreparing, StatusReady} {
		if _, _, err := f.sm.Transition(ctx, "order-1", to, ActorStaff); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if _, _, err := f.sm.Transition(ctx, "order-1", StatusCompleted, ActorStaff); err == nil {
		t.Fatalf("expected error")
	}
	o, _ := f.sm.Get(ctx, "order-1")
	if o.Status != StatusReady {
		t.Fatalf("order must stay ready, got %s", o.Status)
	}
}

func TestTransition_UnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.sm.Transition(context.Background(), "nope", StatusConfirmed, ActorStaff); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
