// Package memory keeps every table in process memory. Each repository
// method holds one lock for its whole duration, which makes multi-row
// writes atomic the same way DynamoDB transactions are.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/feedback"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/imrishuroy/go-orderflow-notifier/internal/payments"
)

// DB holds all tables behind one mutex.
type DB struct {
	mu            sync.Mutex
	orders        map[string]orders.Order
	payments      map[string]payments.Payment
	notifications map[string]notifications.Notification
	ratings       map[string]feedback.Rating
	idempotency   map[string]idempotency.Record
	ttl           time.Duration
	now           func() time.Time
}

// New returns an empty database. ttl is the lifetime of idempotency keys.
func New(ttl time.Duration) *DB {
	return &DB{
		orders:        map[string]orders.Order{},
		payments:      map[string]payments.Payment{},
		notifications: map[string]notifications.Notification{},
		ratings:       map[string]feedback.Rating{},
		idempotency:   map[string]idempotency.Record{},
		ttl:           ttl,
		now:           time.Now,
	}
}

// SetClock replaces time.Now for idempotency expiry and guard timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func (db *DB) Orders() *Orders               { return &Orders{db: db} }
func (db *DB) Payments() *Payments           { return &Payments{db: db} }
func (db *DB) Notifications() *Notifications { return &Notifications{db: db} }
func (db *DB) Feedback() *Feedback           { return &Feedback{db: db} }
func (db *DB) Idempotency() *Idempotency     { return &Idempotency{db: db} }

// checkNotifications fails if any id is taken or repeated. Caller holds mu.
func (db *DB) checkNotifications(ns []notifications.Notification) error {
	seen := make(map[string]struct{}, len(ns))
	for _, n := range ns {
		if _, ok := db.notifications[n.ID]; ok {
			return notifications.ErrAlreadyExists
		}
		if _, ok := seen[n.ID]; ok {
			return notifications.ErrAlreadyExists
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// putNotifications stores ns after checkNotifications passed. Caller holds mu.
func (db *DB) putNotifications(ns []notifications.Notification) {
	for _, n := range ns {
		db.notifications[n.ID] = n
	}
}

// checkPlan verifies the order is still where the plan started. Caller holds mu.
func (db *DB) checkPlan(p *orders.Plan) error {
	cur, ok := db.orders[p.Order.OrderID]
	if !ok || cur.Status != p.From || cur.Version != p.ExpectedVersion {
		return orders.ErrStatusMismatch
	}
	return db.checkNotifications(p.Notifications)
}

func (db *DB) applyPlan(p *orders.Plan) {
	db.orders[p.Order.OrderID] = copyOrder(p.Order)
	db.putNotifications(p.Notifications)
}

func copyOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	o.History = append([]orders.StatusChange(nil), o.History...)
	return o
}

func sortByDue(ns []notifications.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].DueAt != ns[j].DueAt {
			return ns[i].DueAt < ns[j].DueAt
		}
		return ns[i].ID < ns[j].ID
	})
}
