package notifications

import (
	"fmt"
	"time"
)

// Type identifies what a notification is about; one template per type.
type Type string

const (
	TypeOrderCreated        Type = "ORDER_CREATED"
	TypeOrderConfirmed      Type = "ORDER_CONFIRMED"
	TypeOrderPreparing      Type = "ORDER_PREPARING"
	TypeOrderReady          Type = "ORDER_READY"
	TypeOrderCompleted      Type = "ORDER_COMPLETED"
	TypeOrderCancelled      Type = "ORDER_CANCELLED"
	TypePaymentFailed       Type = "PAYMENT_FAILED"
	TypePaymentRefunded     Type = "PAYMENT_REFUNDED"
	TypeFeedbackRequest     Type = "FEEDBACK_REQUEST"
	TypeFeedbackThanks      Type = "FEEDBACK_THANKS"
	TypeAdminNewOrder       Type = "ADMIN_NEW_ORDER"
	TypeAdminNewOrderPaid   Type = "ADMIN_NEW_ORDER_PAID"
	TypeAdminOrderCancelled Type = "ADMIN_ORDER_CANCELLED"
	TypeAdminPaymentFailed  Type = "ADMIN_PAYMENT_FAILED"
	TypeAdminDailyStats     Type = "ADMIN_DAILY_STATS"
	TypeAdminAlert          Type = "ADMIN_ALERT"
	TypeAdminOverdueOrder   Type = "ADMIN_OVERDUE_ORDER"
	// TypeCustom carries a caller-supplied message and has no template.
	TypeCustom Type = "CUSTOM"
)

var knownTypes = map[Type]struct{}{
	TypeOrderCreated:        {},
	TypeOrderConfirmed:      {},
	TypeOrderPreparing:      {},
	TypeOrderReady:          {},
	TypeOrderCompleted:      {},
	TypeOrderCancelled:      {},
	TypePaymentFailed:       {},
	TypePaymentRefunded:     {},
	TypeFeedbackRequest:     {},
	TypeFeedbackThanks:      {},
	TypeAdminNewOrder:       {},
	TypeAdminNewOrderPaid:   {},
	TypeAdminOrderCancelled: {},
	TypeAdminPaymentFailed:  {},
	TypeAdminDailyStats:     {},
	TypeAdminAlert:          {},
	TypeAdminOverdueOrder:   {},
	TypeCustom:              {},
}

// ParseType rejects anything that is not a known notification type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("unknown notification type %q", s)
	}
	return t, nil
}

// Target says whether a notification goes to a customer or to staff.
type Target string

const (
	TargetUser  Target = "user"
	TargetAdmin Target = "admin"
)

// ParseTarget rejects anything other than user or admin.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetUser, TargetAdmin:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

// Status of a notification row. Sent and Failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s can never change again.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Error messages with a fixed meaning.
const (
	ReasonCancelledByAdmin = "cancelled_by_admin"
	ReasonClaimExpired     = "claim_expired"
)

// DefaultMaxRetries is the standard retry ceiling.
const DefaultMaxRetries = 3

// Button is one inline button of an interactive message.
type Button struct {
	Text         string `dynamodbav:"text" json:"text"`
	CallbackData string `dynamodbav:"callback_data" json:"callback_data"`
}

// Payload is the structured interactive part of a message: rows of buttons.
type Payload struct {
	Keyboard [][]Button `dynamodbav:"keyboard" json:"keyboard"`
}

// Notification is one row in the notifications table.
type Notification struct {
	ID           string            `dynamodbav:"notification_id" json:"id"` // PK
	TargetType   Target            `dynamodbav:"target_type" json:"target_type"`
	TargetID     string            `dynamodbav:"target_id" json:"target_id"`
	Type         Type              `dynamodbav:"type" json:"type"`
	Status       Status            `dynamodbav:"status" json:"status"`
	ScheduledAt  time.Time         `dynamodbav:"scheduled_at" json:"scheduled_at"`
	DueAt        int64             `dynamodbav:"due_at" json:"-"` // scheduled_at in unix millis, sort key of the status index
	SentAt       *time.Time        `dynamodbav:"sent_at,omitempty" json:"sent_at,omitempty"`
	ClaimedAt    *time.Time        `dynamodbav:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	RetryCount   int               `dynamodbav:"retry_count" json:"retry_count"`
	MaxRetries   int               `dynamodbav:"max_retries" json:"max_retries"`
	ErrorMessage string            `dynamodbav:"error_message,omitempty" json:"error_message,omitempty"`
	OrderID      string            `dynamodbav:"order_id,omitempty" json:"order_id,omitempty"`
	Variables    map[string]string `dynamodbav:"variables,omitempty" json:"variables,omitempty"`
	Title        string            `dynamodbav:"title,omitempty" json:"title,omitempty"`
	Message      string            `dynamodbav:"message,omitempty" json:"message,omitempty"`
	Payload      *Payload          `dynamodbav:"payload,omitempty" json:"payload,omitempty"`
	RequeuedFrom string            `dynamodbav:"requeued_from,omitempty" json:"requeued_from,omitempty"`
	CreatedAt    time.Time         `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `dynamodbav:"updated_at" json:"updated_at"`
}

// Stats aggregates notification counts over a window.
type Stats struct {
	WindowDays  int     `json:"period_days"`
	Total       int     `json:"total_notifications"`
	Pending     int     `json:"pending_notifications"`
	Processing  int     `json:"processing_notifications"`
	Sent        int     `json:"sent_notifications"`
	Failed      int     `json:"failed_notifications"`
	SuccessRate float64 `json:"success_rate"`
}
