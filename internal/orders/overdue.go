package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	log "github.com/sirupsen/logrus"
)

// DefaultOverdueThreshold is how long an order without an estimate may stay
// open before staff hear about it.
const DefaultOverdueThreshold = 60 * time.Minute

// statuses in which an order is still being fulfilled
var openStatuses = []Status{StatusConfirmed, StatusPreparing, StatusReady}

// Overdue reports whether o is still open at now and either missed its
// estimated delivery time or was created more than threshold ago.
func (o Order) Overdue(now time.Time, threshold time.Duration) bool {
	switch o.Status {
	case StatusConfirmed, StatusPreparing, StatusReady:
	default:
		return false
	}
	if o.EstimatedDeliveryAt != nil && o.EstimatedDeliveryAt.Before(now) {
		return true
	}
	return o.CreatedAt.Before(now.Add(-threshold))
}

// lateBy is measured from the estimate, or from creation when there is none.
func (o Order) lateBy(now time.Time) time.Duration {
	from := o.CreatedAt
	if o.EstimatedDeliveryAt != nil {
		from = *o.EstimatedDeliveryAt
	}
	return now.Sub(from)
}

// OverdueResult summarises one NotifyOverdue run.
type OverdueResult struct {
	Found    int      `json:"found"`
	Notified []string `json:"notified"`
	Skipped  int      `json:"skipped"`
}

// NotifyOverdue alerts staff once about every open order that is late.
// Each order is flagged in the same write as its alert, so repeated runs
// never alert twice.
func (m *StateMachine) NotifyOverdue(ctx context.Context, threshold time.Duration) (OverdueResult, error) {
	if threshold <= 0 {
		threshold = DefaultOverdueThreshold
	}
	res := OverdueResult{Notified: []string{}}
	open, err := m.repo.ListUnflagged(ctx, openStatuses...)
	if err != nil {
		return res, fmt.Errorf("list open orders: %w", err)
	}
	now := m.now()
	for _, o := range open {
		if !o.Overdue(now, threshold) {
			continue
		}
		res.Found++
		n := m.builder.New(notifications.Spec{
			TargetType: notifications.TargetAdmin,
			Type:       notifications.TypeAdminOverdueOrder,
			OrderID:    o.OrderID,
			Variables:  overdueVariables(o, now),
		})
		err := m.repo.FlagOverdue(ctx, o, now, n)
		if errors.Is(err, ErrStatusMismatch) {
			// moved on or flagged by a concurrent run
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("flag overdue order %s: %w", o.OrderID, err)
		}
		res.Notified = append(res.Notified, o.OrderID)
		m.log.WithFields(log.Fields{"order_id": o.OrderID, "status": o.Status, "notification_id": n.ID}).Warn("order overdue")
	}
	return res, nil
}

func overdueVariables(o Order, now time.Time) map[string]string {
	vars := o.Variables()
	vars["status"] = string(o.Status)
	vars["created_at"] = o.CreatedAt.Format("02.01.2006 15:04")
	vars["estimated_delivery_time"] = "not set"
	if o.EstimatedDeliveryAt != nil {
		vars["estimated_delivery_time"] = o.EstimatedDeliveryAt.Format("02.01.2006 15:04")
	}
	vars["minutes_late"] = strconv.Itoa(int(o.lateBy(now) / time.Minute))
	return vars
}
