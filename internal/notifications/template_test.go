package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := NewDefaultRegistry()

	out, err := r.Render(TypeOrderCancelled, TargetUser, map[string]string{"order_id": "42", "reason": "out of stock"})
	require.NoError(t, err)
	assert.Equal(t, "Order #42", out.Title)
	assert.Contains(t, out.Message, "Order #42 cancelled")
	assert.Contains(t, out.Message, "out of stock")
}

func TestRender_Errors(t *testing.T) {
	r := NewRegistry(
		Template{Type: TypeOrderReady, TargetType: TargetUser, Enabled: false, MessageTemplate: "ready"},
		Template{Type: TypeOrderPreparing, TargetType: TargetUser, Enabled: true, MessageTemplate: "#{order_id} {eta}", Variables: []string{"order_id"}},
	)

	_, err := r.Render(TypeOrderConfirmed, TargetUser, nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = r.Render(TypeOrderReady, TargetUser, nil)
	assert.ErrorIs(t, err, ErrTemplateDisabled)

	_, err = r.Render(TypeOrderPreparing, TargetAdmin, map[string]string{"order_id": "1"})
	assert.ErrorIs(t, err, ErrTemplateNotFound, "type registered for a different target")

	_, err = r.Render(TypeOrderPreparing, TargetUser, map[string]string{})
	assert.ErrorIs(t, err, ErrMissingVariable)

	// placeholders outside the declared list are still required
	_, err = r.Render(TypeOrderPreparing, TargetUser, map[string]string{"order_id": "1"})
	assert.ErrorIs(t, err, ErrMissingVariable)
}

func TestRender_NonPlaceholderBracesKept(t *testing.T) {
	r := NewRegistry(Template{Type: TypeCustom, TargetType: TargetUser, Enabled: true, MessageTemplate: "{\"json\": true} {Name} {name}"})

	out, err := r.Render(TypeCustom, TargetUser, map[string]string{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "{\"json\": true} {Name} Ann", out.Message)
}

func TestDefaultTemplates_CoverEveryTemplatedType(t *testing.T) {
	r := NewDefaultRegistry()
	for typ := range knownTypes {
		if typ == TypeCustom {
			continue
		}
		found := false
		for _, target := range []Target{TargetUser, TargetAdmin} {
			if tmpl, ok := r.Lookup(typ, target); ok {
				found = true
				assert.True(t, tmpl.Enabled, "%s", typ)
			}
		}
		assert.True(t, found, "no default template for %s", typ)
	}
	assert.Equal(t, DefaultFeedbackDelayMinutes, r.DelayMinutes(TypeFeedbackRequest, TargetUser, 1))
}

type staticSource struct {
	templates []Template
	err       error
}

func (s staticSource) ListTemplates(context.Context) ([]Template, error) {
	return s.templates, s.err
}

func TestLoad_OverlaysStoredTemplates(t *testing.T) {
	r := NewDefaultRegistry()
	n, err := r.Load(context.Background(), staticSource{templates: []Template{
		{Type: TypeFeedbackRequest, TargetType: TargetUser, Enabled: true, DelayMinutes: 15, MessageTemplate: "rate {order_id}", Variables: []string{"order_id"}},
		{Type: TypeOrderReady, TargetType: TargetUser, Enabled: false},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 15, r.DelayMinutes(TypeFeedbackRequest, TargetUser, 60))
	assert.Equal(t, 60, r.DelayMinutes(TypeOrderReady, TargetUser, 60), "disabled template falls back")

	out, err := r.Render(TypeFeedbackRequest, TargetUser, map[string]string{"order_id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "rate 7", out.Message)

	_, err = r.Render(TypeOrderReady, TargetUser, map[string]string{"order_id": "7", "delivery_address": "x"})
	assert.ErrorIs(t, err, ErrTemplateDisabled)
}

func TestLoad_RejectsUnknownTypes(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.Load(context.Background(), staticSource{templates: []Template{{Type: "BOGUS", TargetType: TargetUser}}})
	assert.Error(t, err)

	_, err = r.Load(context.Background(), staticSource{err: errors.New("boom")})
	assert.Error(t, err)
}

func TestTemplateStore_LoadsIntoRegistry(t *testing.T) {
	fake := dynamotest.New().CreateTable("notification_templates", "notification_type")
	store := NewTemplateStore(fake, "notification_templates")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Template{
		Type:            TypeFeedbackRequest,
		TargetType:      TargetUser,
		MessageTemplate: "How was #{order_id}?",
		Enabled:         true,
		DelayMinutes:    15,
		Variables:       []string{"order_id"},
	}))

	r := NewDefaultRegistry()
	n, err := r.Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 15, r.DelayMinutes(TypeFeedbackRequest, TargetUser, 60))

	out, err := r.Render(TypeFeedbackRequest, TargetUser, map[string]string{"order_id": "9"})
	require.NoError(t, err)
	assert.Equal(t, "How was #9?", out.Message)
}
