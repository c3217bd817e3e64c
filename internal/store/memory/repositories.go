package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/feedback"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/imrishuroy/go-orderflow-notifier/internal/payments"
)

// Orders implements orders.Repository.
type Orders struct{ db *DB }

var _ orders.Repository = (*Orders)(nil)

func (r *Orders) Create(ctx context.Context, o orders.Order, ns []notifications.Notification) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.orders[o.OrderID]; ok {
		return fmt.Errorf("%w: %s", orders.ErrAlreadyExists, o.OrderID)
	}
	if err := r.db.checkNotifications(ns); err != nil {
		return err
	}
	r.db.orders[o.OrderID] = copyOrder(o)
	r.db.putNotifications(ns)
	return nil
}

func (r *Orders) Get(ctx context.Context, id string) (*orders.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, nil
	}
	o = copyOrder(o)
	return &o, nil
}

func (r *Orders) Commit(ctx context.Context, p *orders.Plan) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.checkPlan(p); err != nil {
		return err
	}
	r.db.applyPlan(p)
	return nil
}

func (r *Orders) ListUnflagged(ctx context.Context, statuses ...orders.Status) ([]orders.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []orders.Order
	for _, o := range r.db.orders {
		if o.OverdueNotifiedAt != nil {
			continue
		}
		for _, st := range statuses {
			if o.Status == st {
				out = append(out, copyOrder(o))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Orders) FlagOverdue(ctx context.Context, o orders.Order, at time.Time, n notifications.Notification) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.orders[o.OrderID]
	if !ok || cur.Status != o.Status || cur.Version != o.Version || cur.OverdueNotifiedAt != nil {
		return orders.ErrStatusMismatch
	}
	if err := r.db.checkNotifications([]notifications.Notification{n}); err != nil {
		return err
	}
	cur.OverdueNotifiedAt = &at
	cur.Version++
	r.db.orders[o.OrderID] = cur
	r.db.putNotifications([]notifications.Notification{n})
	return nil
}

// Notifications implements notifications.Repository.
type Notifications struct{ db *DB }

var _ notifications.Repository = (*Notifications)(nil)

func (r *Notifications) Insert(ctx context.Context, ns ...notifications.Notification) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.db.checkNotifications(ns); err != nil {
		return err
	}
	r.db.putNotifications(ns)
	return nil
}

func (r *Notifications) Get(ctx context.Context, id string) (*notifications.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n, ok := r.db.notifications[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (r *Notifications) ListDue(ctx context.Context, now time.Time, limit int) ([]notifications.Notification, error) {
	due := now.UnixMilli()
	return r.list(limit, func(n notifications.Notification) bool {
		return n.Status == notifications.StatusPending && n.DueAt <= due
	}), nil
}

func (r *Notifications) ListByStatus(ctx context.Context, status notifications.Status, limit int) ([]notifications.Notification, error) {
	return r.list(limit, func(n notifications.Notification) bool { return n.Status == status }), nil
}

func (r *Notifications) list(limit int, keep func(notifications.Notification) bool) []notifications.Notification {
	r.db.mu.Lock()
	var out []notifications.Notification
	for _, n := range r.db.notifications {
		if keep(n) {
			out = append(out, n)
		}
	}
	r.db.mu.Unlock()
	sortByDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// update applies fn to the row if it is in status from.
func (r *Notifications) update(id string, from notifications.Status, fn func(n *notifications.Notification) bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n, ok := r.db.notifications[id]
	if !ok || n.Status != from {
		return notifications.ErrConflict
	}
	if !fn(&n) {
		return notifications.ErrConflict
	}
	r.db.notifications[id] = n
	return nil
}

func (r *Notifications) Claim(ctx context.Context, id string, now time.Time) (*notifications.Notification, error) {
	var claimed notifications.Notification
	err := r.update(id, notifications.StatusPending, func(n *notifications.Notification) bool {
		if n.DueAt > now.UnixMilli() {
			return false
		}
		at := now.UTC()
		n.Status = notifications.StatusProcessing
		n.ClaimedAt = &at
		n.UpdatedAt = at
		claimed = *n
		return true
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *Notifications) MarkSent(ctx context.Context, id string, rendered notifications.Rendered, now time.Time) error {
	return r.update(id, notifications.StatusProcessing, func(n *notifications.Notification) bool {
		at := now.UTC()
		n.Status = notifications.StatusSent
		n.SentAt = &at
		n.UpdatedAt = at
		n.Title = rendered.Title
		n.Message = rendered.Message
		n.ClaimedAt = nil
		n.ErrorMessage = ""
		return true
	})
}

func (r *Notifications) Reschedule(ctx context.Context, id string, from notifications.Status, retryCount int, at time.Time, errMsg string, now time.Time) error {
	return r.update(id, from, func(n *notifications.Notification) bool {
		n.Status = notifications.StatusPending
		n.ScheduledAt = at.UTC()
		n.DueAt = at.UnixMilli()
		n.RetryCount = retryCount
		n.ErrorMessage = errMsg
		n.UpdatedAt = now.UTC()
		n.ClaimedAt = nil
		return true
	})
}

func (r *Notifications) MarkFailed(ctx context.Context, id string, from notifications.Status, retryCount int, errMsg string, now time.Time) error {
	return r.update(id, from, func(n *notifications.Notification) bool {
		n.Status = notifications.StatusFailed
		n.RetryCount = retryCount
		n.ErrorMessage = errMsg
		n.UpdatedAt = now.UTC()
		n.ClaimedAt = nil
		return true
	})
}

func (r *Notifications) ReleaseClaim(ctx context.Context, id string, claimedAt time.Time, now time.Time) error {
	return r.update(id, notifications.StatusProcessing, func(n *notifications.Notification) bool {
		if n.ClaimedAt == nil || !n.ClaimedAt.Equal(claimedAt) {
			return false
		}
		n.Status = notifications.StatusPending
		n.ClaimedAt = nil
		n.UpdatedAt = now.UTC()
		return true
	})
}

func (r *Notifications) Stats(ctx context.Context, since time.Time) (notifications.Stats, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var st notifications.Stats
	for _, n := range r.db.notifications {
		if n.CreatedAt.Before(since) {
			continue
		}
		st.Add(n.Status)
	}
	return st, nil
}

// Payments implements payments.Repository.
type Payments struct{ db *DB }

var _ payments.Repository = (*Payments)(nil)

func (r *Payments) Get(ctx context.Context, orderID string) (*payments.Payment, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.payments[orderID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *Payments) Create(ctx context.Context, p payments.Payment) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.payments[p.OrderID]; ok {
		return payments.ErrPaymentExists
	}
	r.db.payments[p.OrderID] = p
	return nil
}

func (r *Payments) Applied(ctx context.Context, guardKey string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.idempotency[guardKey]
	return ok, nil
}

func (r *Payments) Apply(ctx context.Context, a payments.Apply) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.idempotency[a.GuardKey]; ok {
		return payments.ErrDuplicateTransaction
	}
	cur, exists := r.db.payments[a.Payment.OrderID]
	switch {
	case a.Previous == "" && exists:
		return payments.ErrConflict
	case a.Previous != "" && (!exists || cur.Status != a.Previous):
		return payments.ErrConflict
	}
	if a.Plan != nil {
		if err := r.db.checkPlan(a.Plan); err != nil {
			return err
		}
	}
	if err := r.db.checkNotifications(a.Notifications); err != nil {
		return err
	}

	now := r.db.now().UTC()
	r.db.idempotency[a.GuardKey] = idempotency.Record{
		IdempotencyKey: a.GuardKey,
		Status:         idempotency.StatusDone,
		OrderID:        a.Payment.OrderID,
		Note:           string(a.Payment.Status),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.db.payments[a.Payment.OrderID] = a.Payment
	if a.Plan != nil {
		r.db.applyPlan(a.Plan)
	}
	r.db.putNotifications(a.Notifications)
	return nil
}

// Feedback implements feedback.Repository.
type Feedback struct{ db *DB }

var _ feedback.Repository = (*Feedback)(nil)

func (r *Feedback) Insert(ctx context.Context, rating feedback.Rating, ns ...notifications.Notification) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.ratings[rating.OrderID]; ok {
		return feedback.ErrAlreadyRated
	}
	if err := r.db.checkNotifications(ns); err != nil {
		return err
	}
	r.db.ratings[rating.OrderID] = rating
	r.db.putNotifications(ns)
	return nil
}

func (r *Feedback) Get(ctx context.Context, orderID string) (*feedback.Rating, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rating, ok := r.db.ratings[orderID]
	if !ok {
		return nil, nil
	}
	return &rating, nil
}

func (r *Feedback) SetComment(ctx context.Context, orderID, comment string) (*feedback.Rating, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rating, ok := r.db.ratings[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", feedback.ErrNotRated, orderID)
	}
	rating.Comment = comment
	r.db.ratings[orderID] = rating
	return &rating, nil
}

// Idempotency implements idempotency.Repository.
type Idempotency struct{ db *DB }

var _ idempotency.Repository = (*Idempotency)(nil)

func (r *Idempotency) CreateIfNotExists(ctx context.Context, key, orderID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.now().UTC()
	if rec, ok := r.db.idempotency[key]; ok && (rec.ExpiresAt == 0 || rec.ExpiresAt > now.Unix()) {
		return false, nil
	}
	r.db.idempotency[key] = idempotency.Record{
		IdempotencyKey: key,
		Status:         idempotency.StatusInProgress,
		OrderID:        orderID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(r.db.ttl).Unix(),
	}
	return true, nil
}

func (r *Idempotency) Reclaim(ctx context.Context, key, orderID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.idempotency[key]
	if !ok || rec.Status != idempotency.StatusFailed {
		return false, nil
	}
	now := r.db.now().UTC()
	rec.Status = idempotency.StatusInProgress
	rec.OrderID = orderID
	rec.Note = ""
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(r.db.ttl).Unix()
	r.db.idempotency[key] = rec
	return true, nil
}

func (r *Idempotency) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *Idempotency) MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error {
	return r.set(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusDone
		rec.ResponseBody = responseBody
		rec.ResponseStatus = responseStatus
	})
}

func (r *Idempotency) MarkFailed(ctx context.Context, key, note string) error {
	return r.set(key, func(rec *idempotency.Record) {
		rec.Status = idempotency.StatusFailed
		rec.Note = note
	})
}

func (r *Idempotency) set(key string, fn func(*idempotency.Record)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rec, ok := r.db.idempotency[key]
	if !ok {
		rec = idempotency.Record{IdempotencyKey: key, CreatedAt: r.db.now().UTC()}
	}
	fn(&rec)
	rec.UpdatedAt = r.db.now().UTC()
	r.db.idempotency[key] = rec
	return nil
}
