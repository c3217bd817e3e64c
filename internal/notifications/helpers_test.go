package notifications

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	"github.com/stretchr/testify/require"
)

const (
	testTable = "notifications"
	testIndex = "status-due_at-index"
	testAdmin = "admin-chat"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingChannel answers every send with the configured reply and
// remembers what it was asked to deliver.
type recordingChannel struct {
	mu    sync.Mutex
	sent  []Message
	reply func(Message) (SendResult, error)
}

func okChannel() *recordingChannel {
	return &recordingChannel{reply: func(Message) (SendResult, error) { return SendResult{OK: true}, nil }}
}

func (c *recordingChannel) Send(ctx context.Context, msg Message) (SendResult, error) {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	reply := c.reply
	c.mu.Unlock()
	return reply(msg)
}

func (c *recordingChannel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

func newTestStore() (*Store, *dynamotest.Fake) {
	fake := dynamotest.New().
		CreateTable(testTable, "notification_id").
		CreateIndex(testTable, testIndex, "status", "due_at")
	return NewStore(fake, testTable, testIndex), fake
}

type harness struct {
	store      *Store
	fake       *dynamotest.Fake
	clock      *clock
	channel    *recordingChannel
	builder    Builder
	dispatcher *Dispatcher
	cfg        SchedulerConfig
	scheduler  *Scheduler
}

func newHarness(t *testing.T, ch *recordingChannel) *harness {
	t.Helper()
	store, fake := newTestStore()
	clk := newClock()
	builder := Builder{MaxRetries: DefaultMaxRetries, AdminID: testAdmin, Now: clk.Now}
	dispatcher := NewDispatcher(ch, NewDefaultRegistry(), DispatcherConfig{SendTimeout: time.Second}, logging.Discard())
	cfg := SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		Concurrency:  4,
		BackoffBase:  5 * time.Minute,
		BackoffCap:   30 * time.Minute,
		ClaimLease:   5 * time.Minute,
	}
	return &harness{
		store:      store,
		fake:       fake,
		clock:      clk,
		channel:    ch,
		builder:    builder,
		dispatcher: dispatcher,
		cfg:        cfg,
		scheduler:  NewScheduler(store, dispatcher, builder, cfg, nil, logging.Discard()),
	}
}

// hookedRepo runs hook before each Claim; a non-nil error from hook is
// returned instead of claiming.
type hookedRepo struct {
	Repository
	mu   sync.Mutex
	hook func(call int, id string) error
	n    int
}

func (r *hookedRepo) Claim(ctx context.Context, id string, now time.Time) (*Notification, error) {
	r.mu.Lock()
	r.n++
	call := r.n
	r.mu.Unlock()
	if r.hook != nil {
		if err := r.hook(call, id); err != nil {
			return nil, err
		}
	}
	return r.Repository.Claim(ctx, id, now)
}

func (h *harness) enqueue(t *testing.T, s Spec) Notification {
	t.Helper()
	n := h.builder.New(s)
	require.NoError(t, h.store.Insert(context.Background(), n))
	return n
}

func (h *harness) get(t *testing.T, id string) *Notification {
	t.Helper()
	n, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return n
}

func adHoc(target string) Spec {
	return Spec{TargetType: TargetUser, TargetID: target, Type: TypeCustom, Message: "hello"}
}
