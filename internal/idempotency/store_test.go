package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws/dynamotest"
)

const table = "idempotency-table"

func newTestStore() (*Store, *dynamotest.Fake) {
	fake := dynamotest.New().CreateTable(table, "idempotency_key")
	s := NewStore(fake, table, 48*time.Hour)
	s.nowFunc = func() time.Time { return time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC) }
	return s, fake
}

func TestCreateIfNotExists_Get_MarkDone_MarkFailed(t *testing.T) {
	s, fake := newTestStore()

	ctx := context.Background()
	key := "test-key-1"
	orderID := "order-123"

	created, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.OrderID != orderID {
		t.Fatalf("order id mismatch")
	}
	if want := s.nowFunc().Add(48 * time.Hour).Unix(); rec.ExpiresAt != want {
		t.Fatalf("expires_at = %d, want %d", rec.ExpiresAt, want)
	}

	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}
	item := fake.Item(table, key)
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item2 := fake.Item(table, key)
	if st, ok := item2["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item2["status"])
	}
	if n, ok := item2["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item2["note"])
	}
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore()
	rec, err := s.Get(context.Background(), "nope")
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", rec, err)
	}
}

func TestReclaim_OnlyFailedRecords(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if ok, err := s.Reclaim(ctx, "k", "o-1"); err != nil || ok {
		t.Fatalf("reclaiming a missing key: ok=%v err=%v", ok, err)
	}
	if _, err := s.CreateIfNotExists(ctx, "k", "o-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := s.Reclaim(ctx, "k", "o-1"); ok {
		t.Fatalf("IN_PROGRESS records must not be reclaimed")
	}
	if err := s.MarkFailed(ctx, "k", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	ok, err := s.Reclaim(ctx, "k", "o-2")
	if err != nil || !ok {
		t.Fatalf("expected reclaim, got ok=%v err=%v", ok, err)
	}
	rec, _ := s.Get(ctx, "k")
	if rec.Status != StatusInProgress || rec.OrderID != "o-2" || rec.Note != "" {
		t.Fatalf("unexpected record after reclaim: %+v", rec)
	}
}

func TestTransactGuard_RejectsReuse(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()

	write := func() error {
		item, err := s.TransactGuard("payment-txn#t-1#success", "o-1", "success")
		if err != nil {
			t.Fatalf("TransactGuard: %v", err)
		}
		_, err = fake.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{item}})
		return err
	}
	if err := write(); err != nil {
		t.Fatalf("first guard write: %v", err)
	}
	if err := write(); err == nil {
		t.Fatalf("expected second guard write to be cancelled")
	}
	rec, _ := s.Get(ctx, "payment-txn#t-1#success")
	if rec == nil || rec.Status != StatusDone || rec.ExpiresAt != 0 {
		t.Fatalf("unexpected guard record: %+v", rec)
	}
}
