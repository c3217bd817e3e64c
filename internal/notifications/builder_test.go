package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderNew(t *testing.T) {
	clk := newClock()
	b := Builder{MaxRetries: 5, AdminID: testAdmin, Now: clk.Now}

	n := b.New(Spec{TargetType: TargetAdmin, Type: TypeAdminAlert})
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, testAdmin, n.TargetID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 5, n.MaxRetries)
	assert.True(t, n.ScheduledAt.Equal(clk.Now()))
	assert.Equal(t, clk.Now().UnixMilli(), n.DueAt)

	at := clk.Now().Add(time.Hour)
	n = b.New(Spec{ID: "fixed", TargetType: TargetUser, TargetID: "c", Type: TypeCustom, At: at, MaxRetries: 1})
	assert.Equal(t, "fixed", n.ID)
	assert.Equal(t, 1, n.MaxRetries)
	assert.Equal(t, at.UnixMilli(), n.DueAt)
}

func TestNotify(t *testing.T) {
	store, _ := newTestStore()
	clk := newClock()
	notifier := NewNotifier(store, Builder{AdminID: testAdmin, Now: clk.Now}, logging.Discard())
	ctx := context.Background()

	n, err := notifier.Notify(ctx, Request{TargetType: TargetUser, TargetID: "chat-1", Type: TypeCustom, Message: "hi", Delay: 10 * time.Minute})
	require.NoError(t, err)
	stored, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.ScheduledAt.Equal(clk.Now().Add(10*time.Minute)))
	assert.Equal(t, DefaultMaxRetries, stored.MaxRetries)

	_, err = notifier.Notify(ctx, Request{TargetType: TargetUser, TargetID: "chat-1", Type: TypeCustom})
	assert.Error(t, err, "custom needs a message")

	_, err = notifier.Notify(ctx, Request{TargetType: TargetUser, Type: TypeOrderReady})
	assert.Error(t, err, "user target needs an id")

	_, err = notifier.Notify(ctx, Request{TargetType: "robot", TargetID: "x", Type: TypeCustom, Message: "m"})
	assert.Error(t, err)

	admin, err := notifier.Notify(ctx, Request{TargetType: TargetAdmin, Type: TypeAdminAlert, Variables: map[string]string{"subject": "s", "detail": "d"}})
	require.NoError(t, err)
	assert.Equal(t, testAdmin, admin.TargetID)
}
