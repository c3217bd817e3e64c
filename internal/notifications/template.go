package notifications

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Template failures are configuration errors; the dispatcher treats them as permanent.
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateDisabled = errors.New("template disabled")
	ErrMissingVariable  = errors.New("missing template variable")
)

// Template renders the title and body for one notification type.
// Placeholders are written as {name}.
type Template struct {
	Type            Type     `dynamodbav:"notification_type" json:"notification_type"` // PK
	TargetType      Target   `dynamodbav:"target_type" json:"target_type"`
	TitleTemplate   string   `dynamodbav:"title_template" json:"title_template"`
	MessageTemplate string   `dynamodbav:"message_template" json:"message_template"`
	Enabled         bool     `dynamodbav:"enabled" json:"enabled"`
	DelayMinutes    int      `dynamodbav:"delay_minutes" json:"delay_minutes"`
	Variables       []string `dynamodbav:"variables,omitempty" json:"variables,omitempty"`
	Description     string   `dynamodbav:"description,omitempty" json:"description,omitempty"`
}

// Rendered is a template with its variables substituted.
type Rendered struct {
	Title   string
	Message string
}

// TemplateSource lists stored template overrides.
type TemplateSource interface {
	ListTemplates(ctx context.Context) ([]Template, error)
}

type templateKey struct {
	typ    Type
	target Target
}

// Registry holds templates keyed by (type, target). It is safe for
// concurrent use; Load may run while dispatchers render.
type Registry struct {
	mu        sync.RWMutex
	templates map[templateKey]Template
}

// NewRegistry returns a registry holding the given templates.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: map[templateKey]Template{}}
	for _, t := range templates {
		r.Register(t)
	}
	return r
}

// NewDefaultRegistry returns a registry with the built-in templates.
func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultTemplates()...)
}

// Register adds or replaces a template. A type has one template, so a
// template registered for a different target replaces the old pair.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.templates {
		if k.typ == t.Type {
			delete(r.templates, k)
		}
	}
	r.templates[templateKey{typ: t.Type, target: t.TargetType}] = t
}

// Load overlays every template from src on top of the current set.
func (r *Registry) Load(ctx context.Context, src TemplateSource) (int, error) {
	templates, err := src.ListTemplates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	for _, t := range templates {
		if _, err := ParseType(string(t.Type)); err != nil {
			return 0, err
		}
		if _, err := ParseTarget(string(t.TargetType)); err != nil {
			return 0, err
		}
		r.Register(t)
	}
	return len(templates), nil
}

// Lookup returns the template for the pair, enabled or not.
func (r *Registry) Lookup(typ Type, target Target) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[templateKey{typ: typ, target: target}]
	return t, ok
}

// DelayMinutes returns the configured delay of an enabled template, or def.
func (r *Registry) DelayMinutes(typ Type, target Target, def int) int {
	t, ok := r.Lookup(typ, target)
	if !ok || !t.Enabled || t.DelayMinutes <= 0 {
		return def
	}
	return t.DelayMinutes
}

// List returns all templates sorted by type.
func (r *Registry) List() []Template {
	r.mu.RLock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Render looks up the enabled template for the pair and fills in vars.
func (r *Registry) Render(typ Type, target Target, vars map[string]string) (Rendered, error) {
	t, ok := r.Lookup(typ, target)
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, typ, target)
	}
	if !t.Enabled {
		return Rendered{}, fmt.Errorf("%w: %s/%s", ErrTemplateDisabled, typ, target)
	}
	for _, name := range t.Variables {
		if _, ok := vars[name]; !ok {
			return Rendered{}, fmt.Errorf("%w: %s requires {%s}", ErrMissingVariable, typ, name)
		}
	}
	title, err := expand(t.TitleTemplate, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("%s title: %w", typ, err)
	}
	message, err := expand(t.MessageTemplate, vars)
	if err != nil {
		return Rendered{}, fmt.Errorf("%s message: %w", typ, err)
	}
	return Rendered{Title: title, Message: message}, nil
}

var placeholder = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

func expand(tmpl string, vars map[string]string) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: {%s}", ErrMissingVariable, missing)
	}
	return out, nil
}

// DefaultFeedbackDelayMinutes applies when no template overrides it.
const DefaultFeedbackDelayMinutes = 60

// DefaultTemplates are the built-in templates, overridable from the templates table.
func DefaultTemplates() []Template {
	return []Template{
		{
			Type: TypeOrderCreated, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "🛒 <b>Order #{order_id} received</b>\n\nThank you, {customer_name}! We are waiting for your payment of {amount}.",
			Variables:       []string{"order_id", "customer_name", "amount"},
		},
		{
			Type: TypeOrderConfirmed, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "✅ <b>Order #{order_id} confirmed!</b>\n\n💰 <b>Total:</b> {amount}\n\nWe are starting on your order and will let you know when it is ready.",
			Variables:       []string{"order_id", "amount"},
		},
		{
			Type: TypeOrderPreparing, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "👨‍🍳 <b>Order #{order_id} is being prepared</b>\n\nWe will notify you as soon as it is ready.",
			Variables:       []string{"order_id"},
		},
		{
			Type: TypeOrderReady, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "📦 <b>Order #{order_id} is ready!</b>\n\n🏠 <b>Address:</b> {delivery_address}",
			Variables:       []string{"order_id", "delivery_address"},
		},
		{
			Type: TypeOrderCompleted, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "✅ <b>Order #{order_id} completed</b>\n\n💰 <b>Total:</b> {amount}\n\nThank you for your purchase!",
			Variables:       []string{"order_id", "amount"},
		},
		{
			Type: TypeOrderCancelled, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Order #{order_id}",
			MessageTemplate: "❌ <b>Order #{order_id} cancelled</b>\n\n📝 <b>Reason:</b> {reason}\n\nContact us if you have any questions.",
			Variables:       []string{"order_id", "reason"},
		},
		{
			Type: TypePaymentFailed, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Payment failed",
			MessageTemplate: "⚠️ <b>Payment for order #{order_id} failed</b>\n\n{error}\n\nPlease try again or choose another payment method.",
			Variables:       []string{"order_id", "error"},
		},
		{
			Type: TypePaymentRefunded, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Refund",
			MessageTemplate: "💰 <b>Refund for order #{order_id} processed</b>\n\n💵 <b>Amount:</b> {amount}\n\nFunds arrive within 3-7 business days.",
			Variables:       []string{"order_id", "amount"},
		},
		{
			Type: TypeFeedbackRequest, TargetType: TargetUser, Enabled: true,
			DelayMinutes:    DefaultFeedbackDelayMinutes,
			TitleTemplate:   "Rate your order",
			MessageTemplate: "⭐ <b>Rate order #{order_id}</b>\n\n💰 <b>Total:</b> {amount}\n\nHow did we do? Please rate from 1 to 5 stars:",
			Variables:       []string{"order_id", "amount"},
		},
		{
			Type: TypeFeedbackThanks, TargetType: TargetUser, Enabled: true,
			TitleTemplate:   "Thank you for your feedback!",
			MessageTemplate: "🙏 <b>Thank you for your feedback!</b>\n\nYour rating for order #{order_id}: {stars}",
			Variables:       []string{"order_id", "stars"},
		},
		{
			Type: TypeAdminNewOrder, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "New order",
			MessageTemplate: "🆕 <b>New order #{order_id}</b>\n\n👤 {customer_name}\n💰 {amount}\n💳 {payment_method}",
			Variables:       []string{"order_id", "customer_name", "amount", "payment_method"},
		},
		{
			Type: TypeAdminNewOrderPaid, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Order paid",
			MessageTemplate: "💳 <b>Order #{order_id} paid</b>\n\n👤 {customer_name}\n💰 {amount}",
			Variables:       []string{"order_id", "customer_name", "amount"},
		},
		{
			Type: TypeAdminOrderCancelled, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Order cancelled",
			MessageTemplate: "❌ <b>Order #{order_id} cancelled</b>\n\n📝 {reason}",
			Variables:       []string{"order_id", "reason"},
		},
		{
			Type: TypeAdminPaymentFailed, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Payment failed",
			MessageTemplate: "⚠️ <b>Payment failed for order #{order_id}</b>\n\n👤 {customer_name}\n💰 {amount}\n❗ {error}",
			Variables:       []string{"order_id", "customer_name", "amount", "error"},
		},
		{
			Type: TypeAdminDailyStats, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Notification stats",
			MessageTemplate: "📊 <b>Notifications, last {period_days} day(s)</b>\n\n📧 Total: {total}\n✅ Sent: {sent}\n❌ Failed: {failed}\n⏳ Pending: {pending}\n📈 Success rate: {success_rate}%",
			Variables:       []string{"period_days", "total", "sent", "failed", "pending", "success_rate"},
		},
		{
			Type: TypeAdminOverdueOrder, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Overdue order",
			MessageTemplate: "⚠️ <b>Overdue order #{order_id}</b>\n\n👤 {customer_name}\n💰 {amount}\n🏷 {status}\n📅 Created: {created_at}\n⏰ Expected: {estimated_delivery_time}\n\nLate by {minutes_late} min.",
			Variables:       []string{"order_id", "customer_name", "amount", "status", "created_at", "estimated_delivery_time", "minutes_late"},
		},
		{
			Type: TypeAdminAlert, TargetType: TargetAdmin, Enabled: true,
			TitleTemplate:   "Alert",
			MessageTemplate: "🚨 <b>{subject}</b>\n\n{detail}",
			Variables:       []string{"subject", "detail"},
		},
	}
}
