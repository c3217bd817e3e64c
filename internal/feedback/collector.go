package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	log "github.com/sirupsen/logrus"
)

var (
	ErrAlreadyRated      = errors.New("order already rated")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrOrderNotCompleted = errors.New("only completed orders can be rated")
	ErrNotOrderOwner     = errors.New("order belongs to another customer")
	ErrNotRated          = errors.New("order has no rating")
	ErrInvalidComment    = errors.New("comment must be 1 to 1000 characters")
)

const (
	MinRating = 1
	MaxRating = 5

	MaxCommentLength = 1000
)

// Callback data prefixes of the feedback buttons.
const (
	CallbackPrefix = "rate_order_"
	CommentPrefix  = "feedback_comment_"
	DonePrefix     = "feedback_done_"
)

// Rating is one row in the feedback table; one per order.
type Rating struct {
	OrderID        string    `dynamodbav:"order_id" json:"order_id"` // PK
	CustomerID     string    `dynamodbav:"customer_id" json:"customer_id"`
	Rating         int       `dynamodbav:"rating" json:"rating"`
	Comment        string    `dynamodbav:"comment,omitempty" json:"comment,omitempty"`
	NotificationID string    `dynamodbav:"notification_id,omitempty" json:"notification_id,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Repository stores ratings. Insert writes the rating and ns atomically and
// returns ErrAlreadyRated if the order has a rating.
type Repository interface {
	Insert(ctx context.Context, r Rating, ns ...notifications.Notification) error
	// Get returns (nil, nil) when the order has no rating.
	Get(ctx context.Context, orderID string) (*Rating, error)
	// SetComment replaces the comment of an existing rating and returns
	// the updated row, or ErrNotRated.
	SetComment(ctx context.Context, orderID, comment string) (*Rating, error)
}

// OrderReader loads orders; orders.StateMachine satisfies it.
type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// Enqueuer stores notifications; notifications.Repository satisfies it.
type Enqueuer interface {
	Insert(ctx context.Context, ns ...notifications.Notification) error
}

var requestNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("feedback-request"))

// RequestID is the id of the feedback request notification for an order.
func RequestID(orderID string) string {
	return uuid.NewSHA1(requestNamespace, []byte(orderID)).String()
}

// CallbackData is the button payload for rating an order.
func CallbackData(orderID string, rating int) string {
	return CallbackPrefix + orderID + "_" + strconv.Itoa(rating)
}

// ParseCallback extracts the order id and rating from rating button data.
func ParseCallback(data string) (string, int, error) {
	rest, ok := strings.CutPrefix(data, CallbackPrefix)
	if !ok {
		return "", 0, fmt.Errorf("not a rating callback: %q", data)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed rating callback: %q", data)
	}
	rating, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed rating callback: %q", data)
	}
	return rest[:i], rating, nil
}

// Keyboard is the five-button rating prompt for an order.
func Keyboard(orderID string) *notifications.Payload {
	row := make([]notifications.Button, 0, MaxRating)
	for n := MinRating; n <= MaxRating; n++ {
		row = append(row, notifications.Button{
			Text:         strconv.Itoa(n) + " ⭐",
			CallbackData: CallbackData(orderID, n),
		})
	}
	return &notifications.Payload{Keyboard: [][]notifications.Button{row}}
}

// FollowUpKeyboard is shown after a rating: leave a comment or finish.
func FollowUpKeyboard(orderID string) *notifications.Payload {
	return &notifications.Payload{Keyboard: [][]notifications.Button{
		{{Text: "💬 Leave a comment", CallbackData: CommentPrefix + orderID}},
		{{Text: "✅ Done", CallbackData: DonePrefix + orderID}},
	}}
}

// Collector asks customers for ratings after completion and records them.
type Collector struct {
	ratings      Repository
	orders       OrderReader
	queue        Enqueuer
	registry     *notifications.Registry
	builder      notifications.Builder
	defaultDelay time.Duration
	log          log.FieldLogger
}

// NewCollector wires a collector. defaultDelay applies when the feedback
// template does not set one.
func NewCollector(ratings Repository, orderReader OrderReader, queue Enqueuer, registry *notifications.Registry, builder notifications.Builder, defaultDelay time.Duration, logger log.FieldLogger) *Collector {
	if defaultDelay <= 0 {
		defaultDelay = notifications.DefaultFeedbackDelayMinutes * time.Minute
	}
	return &Collector{
		ratings:      ratings,
		orders:       orderReader,
		queue:        queue,
		registry:     registry,
		builder:      builder,
		defaultDelay: defaultDelay,
		log:          logger,
	}
}

// SetOrders sets the order reader after construction; the state machine
// that reads orders also needs the collector as its feedback planner.
func (c *Collector) SetOrders(r OrderReader) { c.orders = r }

// PlanFeedbackRequest builds the feedback request for a completed order,
// due delay minutes after completion. It returns nil when the feedback
// template is disabled.
func (c *Collector) PlanFeedbackRequest(ctx context.Context, o orders.Order) (*notifications.Notification, error) {
	if o.Status != orders.StatusCompleted {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotCompleted, o.OrderID, o.Status)
	}
	if t, ok := c.registry.Lookup(notifications.TypeFeedbackRequest, notifications.TargetUser); ok && !t.Enabled {
		c.log.WithField("order_id", o.OrderID).Info("feedback requests disabled")
		return nil, nil
	}

	completedAt := o.UpdatedAt
	if o.CompletedAt != nil {
		completedAt = *o.CompletedAt
	}
	delay := time.Duration(c.registry.DelayMinutes(notifications.TypeFeedbackRequest, notifications.TargetUser, int(c.defaultDelay/time.Minute))) * time.Minute

	n := c.builder.New(notifications.Spec{
		ID:         RequestID(o.OrderID),
		TargetType: notifications.TargetUser,
		TargetID:   o.CustomerID,
		Type:       notifications.TypeFeedbackRequest,
		OrderID:    o.OrderID,
		Variables:  o.Variables(),
		Payload:    Keyboard(o.OrderID),
		At:         completedAt.Add(delay),
	})
	return &n, nil
}

// OnOrderCompleted plans and enqueues the feedback request. It is safe to
// call more than once for the same order.
func (c *Collector) OnOrderCompleted(ctx context.Context, o orders.Order) (*notifications.Notification, error) {
	n, err := c.PlanFeedbackRequest(ctx, o)
	if err != nil || n == nil {
		return n, err
	}
	if err := c.queue.Insert(ctx, *n); err != nil && !errors.Is(err, notifications.ErrAlreadyExists) {
		return nil, fmt.Errorf("enqueue feedback request: %w", err)
	}
	return n, nil
}

// RecordFeedback stores the rating customerID gives their completed order
// and thanks them.
func (c *Collector) RecordFeedback(ctx context.Context, orderID, customerID string, rating int, comment string) (*Rating, error) {
	if rating < MinRating || rating > MaxRating {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}
	if err := checkComment(comment, true); err != nil {
		return nil, err
	}
	o, err := c.owned(ctx, orderID, customerID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusCompleted {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotCompleted, orderID, o.Status)
	}

	now := c.builder.Now
	if now == nil {
		now = time.Now
	}
	r := Rating{
		OrderID:        orderID,
		CustomerID:     o.CustomerID,
		Rating:         rating,
		Comment:        strings.TrimSpace(comment),
		NotificationID: RequestID(orderID),
		CreatedAt:      now().UTC(),
	}
	vars := o.Variables()
	vars["rating"] = strconv.Itoa(rating)
	vars["stars"] = strings.Repeat("⭐", rating)
	thanks := c.builder.New(notifications.Spec{
		TargetType: notifications.TargetUser,
		TargetID:   o.CustomerID,
		Type:       notifications.TypeFeedbackThanks,
		OrderID:    orderID,
		Variables:  vars,
	})

	if err := c.ratings.Insert(ctx, r, thanks); err != nil {
		return nil, err
	}
	c.log.WithFields(log.Fields{"order_id": orderID, "rating": rating}).Info("feedback recorded")
	return &r, nil
}

// AddComment attaches a comment to the rating customerID already gave.
func (c *Collector) AddComment(ctx context.Context, orderID, customerID, comment string) (*Rating, error) {
	if err := checkComment(comment, false); err != nil {
		return nil, err
	}
	if _, err := c.owned(ctx, orderID, customerID); err != nil {
		return nil, err
	}
	r, err := c.ratings.SetComment(ctx, orderID, strings.TrimSpace(comment))
	if err != nil {
		return nil, err
	}
	c.log.WithField("order_id", orderID).Info("feedback comment recorded")
	return r, nil
}

// owned loads the order and checks it belongs to customerID.
func (c *Collector) owned(ctx context.Context, orderID, customerID string) (*orders.Order, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		c.log.WithFields(log.Fields{"order_id": orderID, "from": customerID}).Warn("feedback from non-owner")
		return nil, fmt.Errorf("%w: order %s", ErrNotOrderOwner, orderID)
	}
	return o, nil
}

func checkComment(comment string, optional bool) error {
	n := utf8.RuneCountInString(strings.TrimSpace(comment))
	if (n == 0 && !optional) || n > MaxCommentLength {
		return fmt.Errorf("%w: got %d", ErrInvalidComment, n)
	}
	return nil
}

// Get returns the rating of an order, or nil if it has none.
func (c *Collector) Get(ctx context.Context, orderID string) (*Rating, error) {
	return c.ratings.Get(ctx, orderID)
}
