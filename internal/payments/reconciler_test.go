package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret      = "whsec-test"
	statusIndex = "status-due_at-index"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) ObserveDispatch(string, time.Duration) {}
func (r *recorder) ObserveCycle(int, int, time.Duration)  {}
func (r *recorder) ObserveTransition(string, string)      {}
func (r *recorder) ObservePaymentEvent(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, result)
}

type env struct {
	fake          *dynamotest.Fake
	notifications *notifications.Store
	sm            *orders.StateMachine
	reconciler    *Reconciler
	signer        *Signer
	metrics       *recorder
}

func newEnv(t *testing.T, tolerance float64) *env {
	t.Helper()
	fake := dynamotest.New().
		CreateTable("orders", "order_id").
		CreateTable("payments", "order_id").
		CreateTable("idempotency", "idempotency_key").
		CreateTable("notifications", "notification_id").
		CreateIndex("notifications", statusIndex, "status", "due_at")

	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	builder := notifications.Builder{AdminID: "staff", Now: func() time.Time { return now }}
	ns := notifications.NewStore(fake, "notifications", statusIndex)
	orderStore := orders.NewStore(fake, "orders", ns)
	sm := orders.NewStateMachine(orderStore, builder, nil, nil, logging.Discard())
	store := NewStore(fake, "payments", idempotency.NewStore(fake, "idempotency", 48*time.Hour), orderStore, ns)
	signer := NewSigner(secret)
	rec := &recorder{}

	return &env{
		fake:          fake,
		notifications: ns,
		sm:            sm,
		reconciler:    NewReconciler(store, sm, ns, builder, signer, tolerance, rec, logging.Discard()),
		signer:        signer,
		metrics:       rec,
	}
}

func (e *env) order(t *testing.T, id string, amount float64) {
	t.Helper()
	_, err := e.sm.Create(context.Background(), orders.NewOrder{
		OrderID: id, CustomerID: "chat-" + id, CustomerName: "Ann", Amount: amount, PaymentMethod: MethodCard,
	})
	require.NoError(t, err)
}

func (e *env) signed(t *testing.T, ev Event) Event {
	t.Helper()
	sig, err := e.signer.Sign(ev)
	require.NoError(t, err)
	ev.Signature = "sha256=" + sig
	return ev
}

func (e *env) queued(t *testing.T, typ notifications.Type) int {
	t.Helper()
	all, err := e.notifications.ListByStatus(context.Background(), notifications.StatusPending, 0)
	require.NoError(t, err)
	n := 0
	for _, x := range all {
		if x.Type == typ {
			n++
		}
	}
	return n
}

func (e *env) orderStatus(t *testing.T, id string) orders.Status {
	t.Helper()
	o, err := e.sm.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func success(orderID, txn string, amount float64) Event {
	return Event{OrderID: OrderRef(orderID), TransactionID: txn, Status: "success", Amount: amount, PaymentMethod: MethodCard}
}

func TestReconcile_SuccessConfirmsOrder(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "1", 1800)

	res, err := e.reconciler.Reconcile(context.Background(), e.signed(t, success("1", "txn-1", 1800)))
	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.NotNil(t, res.Payment.PaidAt)
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)

	stored, err := e.reconciler.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.Equal(t, "txn-1", stored.TransactionID)

	assert.Equal(t, orders.StatusConfirmed, e.orderStatus(t, "1"))
	assert.Equal(t, 1, e.queued(t, notifications.TypeOrderConfirmed))
	assert.Equal(t, 1, e.queued(t, notifications.TypeAdminNewOrderPaid))
	assert.Equal(t, []string{"success"}, e.metrics.events)
}

func TestReconcile_BadSignatureHasNoEffects(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "1", 1800)
	before := e.fake.Len("notifications")

	ev := e.signed(t, success("1", "txn-1", 1800))
	ev.Amount = 1 // tampered after signing

	_, err := e.reconciler.Reconcile(context.Background(), ev)
	var aerr *AuthenticationError
	require.ErrorAs(t, err, &aerr)
	assert.ErrorIs(t, err, ErrAuthentication)

	unsigned := success("1", "txn-1", 1800)
	_, err = e.reconciler.Reconcile(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrAuthentication)

	assert.Equal(t, 0, e.fake.Len("payments"))
	assert.Equal(t, 0, e.fake.Len("idempotency"))
	assert.Equal(t, before, e.fake.Len("notifications"))
	assert.Equal(t, orders.StatusPending, e.orderStatus(t, "1"))
	assert.Equal(t, []string{resultAuthError, resultAuthError}, e.metrics.events)
}

func TestReconcile_ReplayIsNoOp(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "1", 1800)
	ev := e.signed(t, success("1", "txn-1", 1800))

	first, err := e.reconciler.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, first.Replay)
	writes := e.fake.Calls("TransactWriteItems")

	for i := 0; i < 5; i++ {
		res, err := e.reconciler.Reconcile(context.Background(), ev)
		require.NoError(t, err)
		assert.True(t, res.Replay)
		assert.Equal(t, StatusSuccess, res.Payment.Status)
	}
	assert.Equal(t, writes, e.fake.Calls("TransactWriteItems"), "replays must not write")
	assert.Equal(t, 1, e.queued(t, notifications.TypeOrderConfirmed))
}

func TestReconcile_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "1", 1800)
	ev := e.signed(t, success("1", "txn-1", 1800))

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.reconciler.Reconcile(context.Background(), ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !res.Replay {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, e.queued(t, notifications.TypeOrderConfirmed))
	assert.Equal(t, 1, e.fake.Len("payments"))
}

func TestReconcile_FailedPaymentFailsOrder(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "2", 450)
	ev := Event{
		OrderID: "2", TransactionID: "txn-2", Status: "failed", Amount: 450,
		Metadata: map[string]interface{}{"error": map[string]interface{}{"message": "card declined"}, "card_number": "4111"},
	}

	res, err := e.reconciler.Reconcile(context.Background(), e.signed(t, ev))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.Equal(t, "card declined", res.Payment.ErrorMessage)
	assert.NotContains(t, res.Payment.ProviderData, "card_number")
	assert.Equal(t, orders.StatusFailed, e.orderStatus(t, "2"))

	require.Len(t, res.Notifications, 2)
	assert.Equal(t, notifications.TypePaymentFailed, res.Notifications[0].Type)
	assert.Equal(t, "chat-2", res.Notifications[0].TargetID)
	assert.Equal(t, notifications.TypeAdminPaymentFailed, res.Notifications[1].Type)
	assert.Equal(t, "staff", res.Notifications[1].TargetID)
	assert.Equal(t, 1, e.queued(t, notifications.TypePaymentFailed))
	assert.Equal(t, 1, e.queued(t, notifications.TypeAdminPaymentFailed))
}

func TestReconcile_AmountMismatchAlertsStaff(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "3", 1800)

	_, err := e.reconciler.Reconcile(context.Background(), e.signed(t, success("3", "txn-3", 1799.99)))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	assert.Equal(t, 0, e.fake.Len("payments"))
	assert.Equal(t, orders.StatusPending, e.orderStatus(t, "3"))
	assert.Equal(t, 1, e.queued(t, notifications.TypeAdminAlert))
	assert.Equal(t, 0, e.queued(t, notifications.TypeOrderConfirmed))
}

func TestReconcile_Tolerance(t *testing.T) {
	e := newEnv(t, 0.5)
	e.order(t, "4", 1800)

	res, err := e.reconciler.Reconcile(context.Background(), e.signed(t, success("4", "txn-4", 1800.4)))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)
}

func TestReconcile_RejectsMalformedEvents(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "5", 100)

	cases := map[string]Event{
		"unknown status":  {OrderID: "5", TransactionID: "t", Status: "chargeback", Amount: 100},
		"pending status":  {OrderID: "5", TransactionID: "t", Status: "pending", Amount: 100},
		"zero amount":     {OrderID: "5", TransactionID: "t", Status: "success", Amount: 0},
		"no transaction":  {OrderID: "5", Status: "success", Amount: 100},
		"unknown order":   {OrderID: "404", TransactionID: "t", Status: "success", Amount: 100},
		"unknown method":  {OrderID: "5", TransactionID: "t", Status: "success", Amount: 100, PaymentMethod: "barter"},
		"missing orderID": {TransactionID: "t", Status: "success", Amount: 100},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.reconciler.Reconcile(context.Background(), e.signed(t, ev))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, orders.StatusPending, e.orderStatus(t, "5"))
	assert.Equal(t, 0, e.fake.Len("payments"))
}

func TestReconcile_Refund(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "6", 300)
	ctx := context.Background()
	refund := e.signed(t, Event{OrderID: "6", TransactionID: "txn-6", Status: "refunded", Amount: 300})

	_, err := e.reconciler.Reconcile(ctx, refund)
	assert.ErrorIs(t, err, ErrValidation, "nothing to refund yet")

	_, err = e.reconciler.Reconcile(ctx, e.signed(t, success("6", "txn-6", 300)))
	require.NoError(t, err)

	res, err := e.reconciler.Reconcile(ctx, refund)
	require.NoError(t, err)
	assert.False(t, res.Replay)
	assert.Equal(t, StatusRefunded, res.Payment.Status)
	assert.NotNil(t, res.Payment.RefundedAt)
	assert.Equal(t, 1, e.queued(t, notifications.TypePaymentRefunded))
	assert.Equal(t, orders.StatusConfirmed, e.orderStatus(t, "6"), "refunds do not move the order")

	// the original success replayed after the refund is still a no-op
	res, err = e.reconciler.Reconcile(ctx, e.signed(t, success("6", "txn-6", 300)))
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, StatusRefunded, res.Payment.Status)
}

func TestReconcile_SecondTransactionRejected(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "7", 300)
	ctx := context.Background()

	_, err := e.reconciler.Reconcile(ctx, e.signed(t, success("7", "txn-a", 300)))
	require.NoError(t, err)
	_, err = e.reconciler.Reconcile(ctx, e.signed(t, success("7", "txn-b", 300)))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transaction_id", verr.Field)
}

func TestReconcile_LateStatusOnSettledTransactionIsReplay(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "8", 500)
	ctx := context.Background()

	_, err := e.reconciler.Reconcile(ctx, e.signed(t, success("8", "tx1", 500)))
	require.NoError(t, err)

	failed := success("8", "tx1", 500)
	failed.Status = "failed"
	res, err := e.reconciler.Reconcile(ctx, e.signed(t, failed))
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, StatusSuccess, res.Payment.Status)
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)
	assert.Equal(t, 0, e.queued(t, notifications.TypeAdminAlert))

	stored, err := e.reconciler.Get(ctx, "8")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.Equal(t, orders.StatusConfirmed, e.orderStatus(t, "8"))

	// a failed payment stays failed when a success shows up late
	e.order(t, "9", 500)
	late := success("9", "tx9", 500)
	late.Status = "failed"
	_, err = e.reconciler.Reconcile(ctx, e.signed(t, late))
	require.NoError(t, err)
	res, err = e.reconciler.Reconcile(ctx, e.signed(t, success("9", "tx9", 500)))
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, StatusFailed, res.Payment.Status)
}

func TestCreatePendingThenReconcile(t *testing.T) {
	e := newEnv(t, 0)
	e.order(t, "8", 120)
	ctx := context.Background()

	p, err := e.reconciler.CreatePending(ctx, "8", MethodTelegram)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, float64(120), p.Amount)

	_, err = e.reconciler.CreatePending(ctx, "8", MethodTelegram)
	assert.True(t, errors.Is(err, ErrPaymentExists))

	res, err := e.reconciler.Reconcile(ctx, e.signed(t, Event{OrderID: "8", TransactionID: "tg-1", Status: "success", Amount: 120}))
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, res.Payment.PaymentID, "the pending row is updated in place")
	assert.Equal(t, MethodTelegram, res.Payment.Method)

	_, err = e.reconciler.CreatePending(ctx, "missing", MethodCash)
	assert.ErrorIs(t, err, orders.ErrNotFound)
	_, err = e.reconciler.CreatePending(ctx, "8", "barter")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOrderRef_AcceptsNumbersAndStrings(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"order_id": 42, "transaction_id": "t", "status": "success", "amount": 1}`), &ev))
	assert.Equal(t, OrderRef("42"), ev.OrderID)

	require.NoError(t, json.Unmarshal([]byte(`{"order_id": "a-1"}`), &ev))
	assert.Equal(t, OrderRef("a-1"), ev.OrderID)

	assert.Error(t, json.Unmarshal([]byte(`{"order_id": 4.5}`), &ev))
	assert.Error(t, json.Unmarshal([]byte(`{"order_id": true}`), &ev))
}

func TestSigner(t *testing.T) {
	s := NewSigner(secret)
	ev := Event{OrderID: "1", TransactionID: "t", Status: "success", Amount: 10, Metadata: map[string]interface{}{"b": 1, "a": "x"}}
	sig, err := s.Sign(ev)
	require.NoError(t, err)

	ev.Signature = sig
	assert.NoError(t, s.Verify(ev))
	ev.Signature = "sha256=" + sig
	assert.NoError(t, s.Verify(ev))

	ev.Signature = "not-hex"
	assert.ErrorIs(t, s.Verify(ev), ErrAuthentication)

	ev.Signature = sig
	assert.ErrorIs(t, NewSigner("other").Verify(ev), ErrAuthentication)
	assert.ErrorIs(t, NewSigner("").Verify(ev), ErrAuthentication)

	canon, err := Canonical(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"1","status":"success","amount":10,"transaction_id":"t","payment_method":"","metadata":{"a":"x","b":1}}`, string(canon))
}

func TestCanonical_KeepsMarkupCharacters(t *testing.T) {
	ev := Event{
		OrderID: "1", TransactionID: "a<b>&c", Status: "success", Amount: 18.5,
		Metadata: map[string]interface{}{"note": "fish & chips <x2>"},
	}
	canon, err := Canonical(ev)
	require.NoError(t, err)
	assert.Equal(t,
		`{"order_id":"1","status":"success","amount":18.5,"transaction_id":"a<b>&c","payment_method":"","metadata":{"note":"fish & chips <x2>"}}`,
		string(canon))

	s := NewSigner(secret)
	sig, err := s.Sign(ev)
	require.NoError(t, err)
	ev.Signature = sig
	assert.NoError(t, s.Verify(ev))
}
