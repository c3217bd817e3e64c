package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
)

// Store encapsulates operations on the orders table. Notification rows
// produced by a transition are written through notifications in the same
// transaction.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	notifications *notifications.Store
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string, notificationStore *notifications.Store) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		notifications: notificationStore,
	}
}

// Create atomically writes a new order and its notifications.
func (s *Store) Create(ctx context.Context, o Order, ns []notifications.Notification) error {
	orderMap, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                orderMap,
			ConditionExpression: aws.String("attribute_not_exists(order_id)"),
		},
	}}
	more, err := s.notificationPuts(ns)
	if err != nil {
		return err
	}
	items = append(items, more...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if aws.CancelledAt(err, 0) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, o.OrderID)
		}
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (order %s): %w", o.OrderID, err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// TransactItems returns the writes of a plan: the order put, conditional
// on the status and version it was planned from, followed by the
// notification puts. The order put is always first.
func (s *Store) TransactItems(p *Plan) ([]types.TransactWriteItem, error) {
	orderMap, err := attributevalue.MarshalMap(p.Order)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:                &s.tableName,
			Item:                     orderMap,
			ConditionExpression:      aws.String("#s = :expected AND version = :version"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberS{Value: string(p.From)},
				":version":  &types.AttributeValueMemberN{Value: strconv.Itoa(p.ExpectedVersion)},
			},
		},
	}}
	more, err := s.notificationPuts(p.Notifications)
	if err != nil {
		return nil, err
	}
	return append(items, more...), nil
}

// Commit applies a plan. Returns ErrStatusMismatch if the order changed
// since the plan was built.
func (s *Store) Commit(ctx context.Context, p *Plan) error {
	items, err := s.TransactItems(p)
	if err != nil {
		return err
	}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if aws.CancelledAt(err, 0) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// ListUnflagged scans for open orders in statuses that were not flagged
// overdue yet. It runs from a periodic job, not a request path.
func (s *Store) ListUnflagged(ctx context.Context, statuses ...Status) ([]Order, error) {
	var out []Order
	for _, st := range statuses {
		input := &dyn.ScanInput{
			TableName:                &s.tableName,
			FilterExpression:         aws.String("#s = :status AND attribute_not_exists(overdue_notified_at)"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(st)},
			},
		}
		for {
			page, err := s.client.Scan(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("scan %s orders: %w", st, err)
			}
			var batch []Order
			if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
				return nil, fmt.Errorf("unmarshal orders: %w", err)
			}
			out = append(out, batch...)
			if len(page.LastEvaluatedKey) == 0 {
				break
			}
			input.ExclusiveStartKey = page.LastEvaluatedKey
		}
	}
	return out, nil
}

// FlagOverdue sets overdue_notified_at and puts n in one transaction. The
// flag bumps the version so a transition planned before it cannot put the
// order back without it.
func (s *Store) FlagOverdue(ctx context.Context, o Order, at time.Time, n notifications.Notification) error {
	stamp, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal overdue time: %w", err)
	}
	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                &s.tableName,
			Key:                      map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: o.OrderID}},
			UpdateExpression:         aws.String("SET overdue_notified_at = :at, version = :next"),
			ConditionExpression:      aws.String("#s = :status AND version = :version AND attribute_not_exists(overdue_notified_at)"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":at":      stamp,
				":status":  &types.AttributeValueMemberS{Value: string(o.Status)},
				":version": &types.AttributeValueMemberN{Value: strconv.Itoa(o.Version)},
				":next":    &types.AttributeValueMemberN{Value: strconv.Itoa(o.Version + 1)},
			},
		},
	}}
	more, err := s.notificationPuts([]notifications.Notification{n})
	if err != nil {
		return err
	}
	items = append(items, more...)

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if aws.CancelledAt(err, 0) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

func (s *Store) notificationPuts(ns []notifications.Notification) ([]types.TransactWriteItem, error) {
	items := make([]types.TransactWriteItem, 0, len(ns))
	for _, n := range ns {
		it, err := s.notifications.TransactPut(n)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}
