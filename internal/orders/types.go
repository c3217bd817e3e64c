package orders

import (
	"fmt"
	"math"
	"time"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ParseStatus rejects unknown statuses.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return st, nil
}

// Actor records who asked for a transition.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorCustomer Actor = "customer"
	ActorStaff    Actor = "staff"
	ActorPayment  Actor = "payment"
)

// Item is one order line.
type Item struct {
	ProductID string  `dynamodbav:"product_id" json:"product_id"`
	Name      string  `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Quantity  int     `dynamodbav:"quantity" json:"quantity"`
	Price     float64 `dynamodbav:"price" json:"price"`
}

// StatusChange is one entry of an order's audit trail.
type StatusChange struct {
	From   Status    `dynamodbav:"from,omitempty" json:"from,omitempty"`
	To     Status    `dynamodbav:"to" json:"to"`
	Actor  Actor     `dynamodbav:"actor" json:"actor"`
	Reason string    `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	At     time.Time `dynamodbav:"at" json:"at"`
}

// Order represents the item stored in the orders DynamoDB table.
type Order struct {
	OrderID         string                 `dynamodbav:"order_id" json:"order_id"`       // PK
	CustomerID      string                 `dynamodbav:"customer_id" json:"customer_id"` // customer's channel target
	CustomerName    string                 `dynamodbav:"customer_name,omitempty" json:"customer_name,omitempty"`
	Status          Status                 `dynamodbav:"status" json:"status"`
	Amount          float64                `dynamodbav:"amount" json:"amount"`
	Items           []Item                 `dynamodbav:"items,omitempty" json:"items,omitempty"`
	PaymentMethod   string                 `dynamodbav:"payment_method,omitempty" json:"payment_method,omitempty"`
	DeliveryAddress string                 `dynamodbav:"delivery_address,omitempty" json:"delivery_address,omitempty"`
	Metadata        map[string]interface{} `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`

	EstimatedDeliveryAt *time.Time `dynamodbav:"estimated_delivery_time,omitempty" json:"estimated_delivery_time,omitempty"`
	// OverdueNotifiedAt is set once staff were told the order is late.
	OverdueNotifiedAt   *time.Time `dynamodbav:"overdue_notified_at,omitempty" json:"overdue_notified_at,omitempty"`

	CreatedAt   time.Time  `dynamodbav:"created_at" json:"created_at"`
	ConfirmedAt *time.Time `dynamodbav:"confirmed_at,omitempty" json:"confirmed_at,omitempty"`
	PreparingAt *time.Time `dynamodbav:"preparing_at,omitempty" json:"preparing_at,omitempty"`
	ReadyAt     *time.Time `dynamodbav:"ready_at,omitempty" json:"ready_at,omitempty"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completed_at,omitempty"`
	CancelledAt *time.Time `dynamodbav:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	FailedAt    *time.Time `dynamodbav:"failed_at,omitempty" json:"failed_at,omitempty"`

	CancellationReason string         `dynamodbav:"cancellation_reason,omitempty" json:"cancellation_reason,omitempty"`
	History            []StatusChange `dynamodbav:"history,omitempty" json:"history,omitempty"`
	Version            int            `dynamodbav:"version" json:"version"`
	UpdatedAt          time.Time      `dynamodbav:"updated_at" json:"updated_at"`
}

// stamp returns the timestamp field recorded on entering s.
func (o *Order) stamp(s Status) **time.Time {
	switch s {
	case StatusConfirmed:
		return &o.ConfirmedAt
	case StatusPreparing:
		return &o.PreparingAt
	case StatusReady:
		return &o.ReadyAt
	case StatusCompleted:
		return &o.CompletedAt
	case StatusCancelled:
		return &o.CancelledAt
	case StatusFailed:
		return &o.FailedAt
	}
	return nil
}

// Cents converts a money amount to integer cents.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FormatAmount renders an amount the way messages show it.
func FormatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

// Variables are the template variables every order notification can use.
func (o Order) Variables() map[string]string {
	address := o.DeliveryAddress
	if address == "" {
		address = "pickup"
	}
	return map[string]string{
		"order_id":         o.OrderID,
		"customer_name":    o.CustomerName,
		"amount":           FormatAmount(o.Amount),
		"payment_method":   o.PaymentMethod,
		"delivery_address": address,
	}
}
