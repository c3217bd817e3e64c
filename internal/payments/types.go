package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
)

// Status of a payment row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

// ParseEventStatus accepts only the statuses a provider may report.
func ParseEventStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailed, StatusRefunded:
		return Status(s), nil
	}
	return "", fmt.Errorf("unsupported payment status %q", s)
}

// Payment methods.
const (
	MethodTelegram = "telegram"
	MethodCard     = "card"
	MethodCash     = "cash"
)

// ValidMethod reports whether m is a known payment method.
func ValidMethod(m string) bool {
	switch m {
	case MethodTelegram, MethodCard, MethodCash:
		return true
	}
	return false
}

// OrderRef is an order id as sent by a provider: either a JSON number or
// a JSON string.
type OrderRef string

func (r *OrderRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = OrderRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("order_id must be a string or integer: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("order_id must be a string or integer: %s", n)
	}
	*r = OrderRef(n.String())
	return nil
}

// Event is one payment status report. Signature travels out of band (the
// X-Signature header) and is not part of the signed payload.
type Event struct {
	OrderID       OrderRef               `json:"order_id"`
	TransactionID string                 `json:"transaction_id"`
	Status        string                 `json:"status"`
	Amount        float64                `json:"amount"`
	PaymentMethod string                 `json:"payment_method,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Signature     string                 `json:"-"`
}

// Payment is the stored payment of an order; one per order.
type Payment struct {
	OrderID       string                 `dynamodbav:"order_id" json:"order_id"` // PK
	PaymentID     string                 `dynamodbav:"payment_id" json:"payment_id"`
	Status        Status                 `dynamodbav:"status" json:"status"`
	Method        string                 `dynamodbav:"method" json:"method"`
	TransactionID string                 `dynamodbav:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	Amount        float64                `dynamodbav:"amount" json:"amount"`
	ErrorMessage  string                 `dynamodbav:"error_message,omitempty" json:"error_message,omitempty"`
	ProviderData  map[string]interface{} `dynamodbav:"provider_data,omitempty" json:"provider_data,omitempty"`
	CreatedAt     time.Time              `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt     time.Time              `dynamodbav:"updated_at" json:"updated_at"`
	PaidAt        *time.Time             `dynamodbav:"paid_at,omitempty" json:"paid_at,omitempty"`
	RefundedAt    *time.Time             `dynamodbav:"refunded_at,omitempty" json:"refunded_at,omitempty"`
}

// Result is the outcome of reconciling one event. Replay is set when the
// event had already been applied and nothing was written.
type Result struct {
	Payment       *Payment                     `json:"payment"`
	Order         *orders.Order                `json:"order,omitempty"`
	Replay        bool                         `json:"replay"`
	Notifications []notifications.Notification `json:"-"`
}

// Apply is everything one reconciliation writes, committed as a unit.
type Apply struct {
	Payment Payment
	// Previous is the status the stored payment had when the event was
	// read; empty when there was no payment row.
	Previous Status
	// GuardKey marks the (transaction, status) pair as applied.
	GuardKey      string
	Plan          *orders.Plan
	Notifications []notifications.Notification
}

// GuardKey is the idempotency key of a transaction reaching a status.
func GuardKey(transactionID string, s Status) string {
	return "payment-txn#" + transactionID + "#" + string(s)
}

var errorFields = []string{"error_message", "error", "reason", "message", "description", "failure_reason", "decline_reason"}

// errorMessage extracts a human readable failure reason from provider metadata.
func errorMessage(md map[string]interface{}) string {
	for _, f := range errorFields {
		switch v := md[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]interface{}:
			if msg := errorMessage(v); msg != "" {
				return msg
			}
		}
	}
	return ""
}

var sensitiveKeys = []string{"password", "token", "secret", "key", "authorization", "auth", "card_number", "cvv", "pin", "private", "credential"}

// sanitize drops credentials from provider metadata before it is stored.
func sanitize(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		lower := strings.ToLower(k)
		skip := false
		for _, s := range sensitiveKeys {
			if strings.Contains(lower, s) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			v = sanitize(nested)
		}
		out[k] = v
	}
	return out
}
