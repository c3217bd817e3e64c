package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusIndex = "status-due_at-index"

type env struct {
	fake          *dynamotest.Fake
	now           time.Time
	registry      *notifications.Registry
	notifications *notifications.Store
	sm            *orders.StateMachine
	collector     *Collector
}

func newEnv(t *testing.T, templates ...notifications.Template) *env {
	t.Helper()
	fake := dynamotest.New().
		CreateTable("orders", "order_id").
		CreateTable("notifications", "notification_id").
		CreateIndex("notifications", statusIndex, "status", "due_at").
		CreateTable("feedback", "order_id")
	e := &env{fake: fake, now: time.Date(2026, 6, 2, 18, 30, 0, 0, time.UTC)}

	e.registry = notifications.NewDefaultRegistry()
	for _, tmpl := range templates {
		e.registry.Register(tmpl)
	}
	e.notifications = notifications.NewStore(fake, "notifications", statusIndex)
	builder := notifications.Builder{AdminID: "staff", Now: func() time.Time { return e.now }}

	e.collector = NewCollector(NewStore(fake, "feedback", e.notifications), nil, e.notifications, e.registry, builder, 0, logging.Discard())
	e.sm = orders.NewStateMachine(orders.NewStore(fake, "orders", e.notifications), builder, e.collector, nil, logging.Discard())
	e.collector.SetOrders(e.sm)
	return e
}

// complete drives a fresh order to completed and returns it.
func (e *env) complete(t *testing.T, id string) *orders.Order {
	t.Helper()
	ctx := context.Background()
	_, err := e.sm.Create(ctx, orders.NewOrder{OrderID: id, CustomerID: "chat-" + id, CustomerName: "Ann", Amount: 1800})
	require.NoError(t, err)
	var o *orders.Order
	for _, to := range []orders.Status{orders.StatusConfirmed, orders.StatusPreparing, orders.StatusReady, orders.StatusCompleted} {
		e.now = e.now.Add(7 * time.Minute)
		o, _, err = e.sm.Transition(ctx, id, to, orders.ActorStaff)
		require.NoError(t, err)
	}
	return o
}

func (e *env) pending(t *testing.T, typ notifications.Type) []notifications.Notification {
	t.Helper()
	all, err := e.notifications.ListByStatus(context.Background(), notifications.StatusPending, 0)
	require.NoError(t, err)
	var out []notifications.Notification
	for _, n := range all {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestCompletionSchedulesFeedbackRequest(t *testing.T) {
	e := newEnv(t)
	o := e.complete(t, "o-1")

	reqs := e.pending(t, notifications.TypeFeedbackRequest)
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, RequestID("o-1"), req.ID)
	assert.Equal(t, "chat-o-1", req.TargetID)
	assert.True(t, req.ScheduledAt.Equal(o.CompletedAt.Add(60*time.Minute)), "scheduled_at %s", req.ScheduledAt)
	assert.Equal(t, notifications.DefaultMaxRetries, req.MaxRetries)

	require.NotNil(t, req.Payload)
	require.Len(t, req.Payload.Keyboard, 1)
	row := req.Payload.Keyboard[0]
	require.Len(t, row, 5)
	assert.Equal(t, "rate_order_o-1_1", row[0].CallbackData)
	assert.Equal(t, "rate_order_o-1_5", row[4].CallbackData)
}

func TestFeedbackDelayFromTemplate(t *testing.T) {
	e := newEnv(t, notifications.Template{
		Type:            notifications.TypeFeedbackRequest,
		TargetType:      notifications.TargetUser,
		MessageTemplate: "Rate order #{order_id}",
		Enabled:         true,
		DelayMinutes:    15,
	})
	o := e.complete(t, "o-2")

	reqs := e.pending(t, notifications.TypeFeedbackRequest)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].ScheduledAt.Equal(o.CompletedAt.Add(15*time.Minute)))
}

func TestDisabledTemplateSkipsFeedbackRequest(t *testing.T) {
	e := newEnv(t, notifications.Template{
		Type:            notifications.TypeFeedbackRequest,
		TargetType:      notifications.TargetUser,
		MessageTemplate: "Rate order #{order_id}",
		Enabled:         false,
	})
	o := e.complete(t, "o-3")

	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Empty(t, e.pending(t, notifications.TypeFeedbackRequest))
	assert.Len(t, e.pending(t, notifications.TypeOrderCompleted), 1)
}

func TestOnOrderCompletedIsIdempotent(t *testing.T) {
	e := newEnv(t)
	o := e.complete(t, "o-4")

	n, err := e.collector.OnOrderCompleted(context.Background(), *o)
	require.NoError(t, err)
	assert.Equal(t, RequestID("o-4"), n.ID)
	assert.Len(t, e.pending(t, notifications.TypeFeedbackRequest), 1)
}

func TestPlanFeedbackRequestRequiresCompletion(t *testing.T) {
	e := newEnv(t)
	_, err := e.collector.PlanFeedbackRequest(context.Background(), orders.Order{OrderID: "x", Status: orders.StatusReady})
	assert.ErrorIs(t, err, ErrOrderNotCompleted)
}

func TestRecordFeedback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.complete(t, "o-5")

	r, err := e.collector.RecordFeedback(ctx, "o-5", "chat-o-5", 4, "  tasty  ")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Rating)
	assert.Equal(t, "tasty", r.Comment)
	assert.Equal(t, RequestID("o-5"), r.NotificationID)

	stored, err := e.collector.Get(ctx, "o-5")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "chat-o-5", stored.CustomerID)

	thanks := e.pending(t, notifications.TypeFeedbackThanks)
	require.Len(t, thanks, 1)
	assert.Equal(t, "⭐⭐⭐⭐", thanks[0].Variables["stars"])

	_, err = e.collector.RecordFeedback(ctx, "o-5", "chat-o-5", 5, "")
	assert.ErrorIs(t, err, ErrAlreadyRated)
	assert.Len(t, e.pending(t, notifications.TypeFeedbackThanks), 1, "a rejected rating must not thank twice")
}

func TestRecordFeedback_Rejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.sm.Create(ctx, orders.NewOrder{OrderID: "o-6", CustomerID: "c", Amount: 10})
	require.NoError(t, err)

	for _, rating := range []int{0, 6, -1} {
		_, err := e.collector.RecordFeedback(ctx, "o-6", "c", rating, "")
		assert.ErrorIs(t, err, ErrInvalidRating, "rating %d", rating)
	}
	_, err = e.collector.RecordFeedback(ctx, "o-6", "c", 3, "")
	assert.ErrorIs(t, err, ErrOrderNotCompleted)

	_, err = e.collector.RecordFeedback(ctx, "missing", "c", 3, "")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	assert.Equal(t, 0, e.fake.Len("feedback"))
}

func TestRecordFeedback_OnlyTheCustomer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.complete(t, "o-7")

	_, err := e.collector.RecordFeedback(ctx, "o-7", "mallory", 1, "")
	assert.ErrorIs(t, err, ErrNotOrderOwner)
	assert.Equal(t, 0, e.fake.Len("feedback"))
	assert.Empty(t, e.pending(t, notifications.TypeFeedbackThanks))

	// the real customer can still rate
	r, err := e.collector.RecordFeedback(ctx, "o-7", "chat-o-7", 5, "")
	require.NoError(t, err)
	assert.Equal(t, 5, r.Rating)
}

func TestAddComment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.complete(t, "o-8")

	_, err := e.collector.AddComment(ctx, "o-8", "chat-o-8", "great")
	assert.ErrorIs(t, err, ErrNotRated)

	_, err = e.collector.RecordFeedback(ctx, "o-8", "chat-o-8", 4, "")
	require.NoError(t, err)

	_, err = e.collector.AddComment(ctx, "o-8", "mallory", "spam")
	assert.ErrorIs(t, err, ErrNotOrderOwner)
	_, err = e.collector.AddComment(ctx, "o-8", "chat-o-8", "   ")
	assert.ErrorIs(t, err, ErrInvalidComment)
	_, err = e.collector.AddComment(ctx, "o-8", "chat-o-8", strings.Repeat("x", MaxCommentLength+1))
	assert.ErrorIs(t, err, ErrInvalidComment)

	r, err := e.collector.AddComment(ctx, "o-8", "chat-o-8", "  still warm  ")
	require.NoError(t, err)
	assert.Equal(t, "still warm", r.Comment)
	assert.Equal(t, 4, r.Rating)

	stored, err := e.collector.Get(ctx, "o-8")
	require.NoError(t, err)
	assert.Equal(t, "still warm", stored.Comment)
}

func TestParseCallback(t *testing.T) {
	id, rating, err := ParseCallback(CallbackData("a_b-c", 5))
	require.NoError(t, err)
	assert.Equal(t, "a_b-c", id)
	assert.Equal(t, 5, rating)

	for _, bad := range []string{"cancel_notification_1", "rate_order_", "rate_order_x_", "rate_order__3", "rate_order_x_y"} {
		_, _, err := ParseCallback(bad)
		assert.Error(t, err, bad)
	}
}
