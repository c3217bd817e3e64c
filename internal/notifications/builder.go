package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Spec describes a notification to build. A zero At means now; an empty
// TargetID on an admin target means the configured staff chat.
type Spec struct {
	ID         string
	TargetType Target
	TargetID   string
	Type       Type
	OrderID    string
	Variables  map[string]string
	Title      string
	Message    string
	Payload    *Payload
	At         time.Time
	MaxRetries int
}

// Builder turns specs into pending notification rows.
type Builder struct {
	MaxRetries int
	AdminID    string
	Now        func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// New builds a pending notification from s.
func (b Builder) New(s Spec) Notification {
	now := b.now()
	at := s.At
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	targetID := s.TargetID
	if targetID == "" && s.TargetType == TargetAdmin {
		targetID = b.AdminID
	}
	maxRetries := s.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return Notification{
		ID:          id,
		TargetType:  s.TargetType,
		TargetID:    targetID,
		Type:        s.Type,
		Status:      StatusPending,
		ScheduledAt: at,
		DueAt:       at.UnixMilli(),
		MaxRetries:  maxRetries,
		OrderID:     s.OrderID,
		Variables:   s.Variables,
		Title:       s.Title,
		Message:     s.Message,
		Payload:     s.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Request is an ad hoc notification submitted from outside the order flow.
type Request struct {
	TargetType Target
	TargetID   string
	Type       Type
	OrderID    string
	Variables  map[string]string
	Title      string
	Message    string
	Payload    *Payload
	Delay      time.Duration
}

// Notifier enqueues ad hoc notifications for the scheduler to deliver.
type Notifier struct {
	repo    Repository
	builder Builder
	log     log.FieldLogger
}

func NewNotifier(repo Repository, builder Builder, logger log.FieldLogger) *Notifier {
	return &Notifier{repo: repo, builder: builder, log: logger}
}

// Notify stores a pending notification due after req.Delay.
func (n *Notifier) Notify(ctx context.Context, req Request) (*Notification, error) {
	if _, err := ParseTarget(string(req.TargetType)); err != nil {
		return nil, err
	}
	if _, err := ParseType(string(req.Type)); err != nil {
		return nil, err
	}
	if req.TargetType == TargetUser && req.TargetID == "" {
		return nil, fmt.Errorf("target_id is required for user notifications")
	}
	if req.Type == TypeCustom && req.Message == "" {
		return nil, fmt.Errorf("%s notifications need a message", TypeCustom)
	}
	if req.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}

	var at time.Time
	if req.Delay > 0 {
		at = n.builder.now().Add(req.Delay)
	}
	row := n.builder.New(Spec{
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Type:       req.Type,
		OrderID:    req.OrderID,
		Variables:  req.Variables,
		Title:      req.Title,
		Message:    req.Message,
		Payload:    req.Payload,
		At:         at,
	})
	if err := n.repo.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	n.log.WithFields(log.Fields{
		"notification_id": row.ID,
		"type":            row.Type,
		"scheduled_at":    row.ScheduledAt,
	}).Info("notification enqueued")
	return &row, nil
}
