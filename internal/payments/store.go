package payments

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
)

// Store encapsulates operations on the payments table. Apply writes to
// the payments, idempotency, orders and notifications tables in one
// transaction.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	guards        *idempotency.Store
	orders        *orders.Store
	notifications *notifications.Store
}

// NewStore creates a new payments Store.
func NewStore(client aws.DynamoDBAPI, tableName string, guards *idempotency.Store, orderStore *orders.Store, notificationStore *notifications.Store) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		guards:        guards,
		orders:        orderStore,
		notifications: notificationStore,
	}
}

// Get fetches the payment of an order. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Payment, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &p, nil
}

// Create stores a new payment; ErrPaymentExists if the order has one.
func (s *Store) Create(ctx context.Context, p Payment) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrPaymentExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Applied reports whether the guard key was already written.
func (s *Store) Applied(ctx context.Context, guardKey string) (bool, error) {
	rec, err := s.guards.Get(ctx, guardKey)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// Apply commits a reconciliation. Item order: guard, payment, then the
// order plan (order put first), then extra notifications.
func (s *Store) Apply(ctx context.Context, a Apply) error {
	guard, err := s.guards.TransactGuard(a.GuardKey, a.Payment.OrderID, string(a.Payment.Status))
	if err != nil {
		return err
	}
	payment, err := s.paymentPut(a)
	if err != nil {
		return err
	}
	items := []types.TransactWriteItem{guard, payment}

	if a.Plan != nil {
		more, err := s.orders.TransactItems(a.Plan)
		if err != nil {
			return err
		}
		items = append(items, more...)
	}
	for _, n := range a.Notifications {
		it, err := s.notifications.TransactPut(n)
		if err != nil {
			return err
		}
		items = append(items, it)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		switch {
		case aws.CancelledAt(err, 0):
			return ErrDuplicateTransaction
		case aws.CancelledAt(err, 1):
			return ErrConflict
		case a.Plan != nil && aws.CancelledAt(err, 2):
			return orders.ErrStatusMismatch
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

func (s *Store) paymentPut(a Apply) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(a.Payment)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal payment: %w", err)
	}
	put := &types.Put{TableName: &s.tableName, Item: item}
	if a.Previous == "" {
		put.ConditionExpression = aws.String("attribute_not_exists(order_id)")
	} else {
		put.ConditionExpression = aws.String("#s = :prev")
		put.ExpressionAttributeNames = map[string]string{"#s": "status"}
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: string(a.Previous)},
		}
	}
	return types.TransactWriteItem{Put: put}, nil
}
