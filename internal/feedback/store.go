package feedback

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
)

// Store encapsulates operations on the feedback table.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	notifications *notifications.Store
}

// NewStore creates a new feedback Store.
func NewStore(client aws.DynamoDBAPI, tableName string, notificationStore *notifications.Store) *Store {
	return &Store{client: client, tableName: tableName, notifications: notificationStore}
}

// Insert writes the rating, guarded on the order having none, together
// with ns.
func (s *Store) Insert(ctx context.Context, r Rating, ns ...notifications.Notification) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("marshal rating: %w", err)
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(order_id)"),
		},
	}}
	for _, n := range ns {
		it, err := s.notifications.TransactPut(n)
		if err != nil {
			return err
		}
		items = append(items, it)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if aws.CancelledAt(err, 0) {
			return ErrAlreadyRated
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches the rating of an order. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Rating, error) {
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
	var r Rating
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal rating: %w", err)
	}
	return &r, nil
}

// SetComment updates the comment of an existing rating.
func (s *Store) SetComment(ctx context.Context, orderID, comment string) (*Rating, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          aws.String("SET #comment = :comment"),
		ConditionExpression:       aws.String("attribute_exists(order_id)"),
		ExpressionAttributeNames:  map[string]string{"#comment": "comment"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":comment": &types.AttributeValueMemberS{Value: comment}},
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotRated, orderID)
		}
		return nil, fmt.Errorf("update comment: %w", err)
	}
	var r Rating
	if err := attributevalue.UnmarshalMap(out.Attributes, &r); err != nil {
		return nil, fmt.Errorf("unmarshal rating: %w", err)
	}
	return &r, nil
}
