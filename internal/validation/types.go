package validation

import "time"

// Item represents a single order line item.
type Item struct {
	ProductID string  `json:"product_id" validate:"required"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	Price     float64 `json:"price" validate:"required,gt=0"`     // price per unit
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	OrderID         string                 `json:"order_id,omitempty" validate:"omitempty,max=64"` // server generates one when empty
	CustomerID      string                 `json:"customer_id" validate:"required"`                // chat the customer is notified in
	CustomerName    string                 `json:"customer_name,omitempty"`
	Items           []Item                 `json:"items" validate:"required,min=1,dive"` // at least one item
	Amount          float64                `json:"amount" validate:"required,gt=0"`      // total amount client claims
	PaymentMethod   string                 `json:"payment_method,omitempty" validate:"omitempty,oneof=telegram card cash"`
	DeliveryAddress string                 `json:"delivery_address,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"` // optional free-form metadata
	// EstimatedDeliveryTime is when the order counts as overdue; RFC 3339.
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time,omitempty"`
}

// TransitionRequest is the payload for POST /orders/:id/transitions
type TransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed preparing ready completed cancelled failed"`
	Actor  string `json:"actor,omitempty" validate:"omitempty,oneof=system customer staff"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// CreatePaymentRequest is the payload for POST /payments
type CreatePaymentRequest struct {
	OrderID       string `json:"order_id" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=telegram card cash"`
}

// NotifyRequest is the payload for POST /notifications
type NotifyRequest struct {
	TargetType   string            `json:"target_type" validate:"required,oneof=user admin"`
	TargetID     string            `json:"target_id,omitempty" validate:"required_if=TargetType user"`
	Type         string            `json:"type" validate:"required"`
	OrderID      string            `json:"order_id,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Title        string            `json:"title,omitempty"`
	Message      string            `json:"message,omitempty" validate:"required_if=Type CUSTOM,max=4096"`
	DelayMinutes int               `json:"delay_minutes,omitempty" validate:"min=0,max=10080"` // up to a week
}

// FeedbackRequest is the payload for POST /feedback
type FeedbackRequest struct {
	OrderID    string `json:"order_id" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
	Rating     int    `json:"rating" validate:"required,min=1,max=5"`
	Comment    string `json:"comment,omitempty" validate:"max=1000"`
}

// CallbackRequest is the payload for POST /inbound/callback
type CallbackRequest struct {
	From string `json:"from" validate:"required"`
	Data string `json:"data" validate:"required,max=128"`
	Text string `json:"text,omitempty" validate:"max=1000"`
}
