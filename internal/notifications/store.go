package notifications

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
)

// Repository is the notification storage the scheduler works against.
// Status-changing writes are conditional on the status the caller last
// saw and return ErrConflict when another writer got there first.
type Repository interface {
	Insert(ctx context.Context, ns ...Notification) error
	// Get returns (nil, nil) when the id is unknown.
	Get(ctx context.Context, id string) (*Notification, error)
	// ListDue returns pending rows with scheduled_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Notification, error)
	// ListByStatus returns rows in status ordered by scheduled_at; limit <= 0 means all.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Notification, error)
	// Claim moves a row that is pending and due at now to processing and
	// returns it as stored. Exactly one caller wins.
	Claim(ctx context.Context, id string, now time.Time) (*Notification, error)
	MarkSent(ctx context.Context, id string, r Rendered, now time.Time) error
	Reschedule(ctx context.Context, id string, from Status, retryCount int, at time.Time, errMsg string, now time.Time) error
	MarkFailed(ctx context.Context, id string, from Status, retryCount int, errMsg string, now time.Time) error
	ReleaseClaim(ctx context.Context, id string, claimedAt time.Time, now time.Time) error
	// Stats counts rows created at or after since.
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// Store encapsulates operations on the notifications table.
// The table is keyed by notification_id; index is a GSI on (status, due_at).
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	indexName string
}

// NewStore creates a new notifications Store.
func NewStore(client aws.DynamoDBAPI, tableName, indexName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		indexName: indexName,
	}
}

// TransactPut returns a put of n that fails if the id already exists, for
// callers composing a TransactWriteItems with other tables.
func (s *Store) TransactPut(n Notification) (types.TransactWriteItem, error) {
	item, err := attributevalue.MarshalMap(n)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal notification: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(notification_id)"),
		},
	}, nil
}

// Insert stores new rows. A single row is a conditional put; several rows
// are written in one transaction so either all or none become visible.
func (s *Store) Insert(ctx context.Context, ns ...Notification) error {
	switch len(ns) {
	case 0:
		return nil
	case 1:
		item, err := attributevalue.MarshalMap(ns[0])
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(notification_id)"),
		})
		if err != nil {
			if aws.IsConditionalCheckFailed(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("put item: %w", err)
		}
		return nil
	}

	items := make([]types.TransactWriteItem, 0, len(ns))
	for _, n := range ns {
		it, err := s.TransactPut(n)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches a notification by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, id string) (*Notification, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       s.key(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var n Notification
	if err := attributevalue.UnmarshalMap(out.Item, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	return s.query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: aws.String("#s = :s AND due_at <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":   &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now": millis(now),
		},
	}, limit)
}

func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Notification, error) {
	return s.query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: aws.String("#s = :s"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
		},
	}, limit)
}

// query pages through the index in ascending due_at order until limit rows
// have been read or the index is exhausted.
func (s *Store) query(ctx context.Context, input *dyn.QueryInput, limit int) ([]Notification, error) {
	input.ScanIndexForward = boolPtr(true)
	var out []Notification
	for {
		if limit > 0 {
			remaining := int32(limit - len(out))
			input.Limit = &remaining
		}
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", s.indexName, err)
		}
		var batch []Notification
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal notifications: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// Claim moves a pending, due row to processing. Exactly one caller wins.
// A row rescheduled into the future since it was listed is not due and
// conflicts.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (*Notification, error) {
	out, err := s.write(ctx, id, StatusPending, "SET #s = :to, claimed_at = :now, updated_at = :now", aws.String("due_at <= :due"), map[string]types.AttributeValue{
		":to":  status(StatusProcessing),
		":now": timeValue(now),
		":due": millis(now),
	}, types.ReturnValueAllNew)
	if err != nil {
		return nil, err
	}
	var n Notification
	if err := attributevalue.UnmarshalMap(out.Attributes, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &n, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, r Rendered, now time.Time) error {
	return s.update(ctx, id, StatusProcessing, "SET #s = :to, sent_at = :now, updated_at = :now, #title = :title, #msg = :msg REMOVE claimed_at, error_message", nil, map[string]types.AttributeValue{
		":to":    status(StatusSent),
		":now":   timeValue(now),
		":title": &types.AttributeValueMemberS{Value: r.Title},
		":msg":   &types.AttributeValueMemberS{Value: r.Message},
	})
}

func (s *Store) Reschedule(ctx context.Context, id string, from Status, retryCount int, at time.Time, errMsg string, now time.Time) error {
	return s.update(ctx, id, from, "SET #s = :to, scheduled_at = :at, due_at = :due, retry_count = :rc, error_message = :err, updated_at = :now REMOVE claimed_at", nil, map[string]types.AttributeValue{
		":to":  status(StatusPending),
		":at":  timeValue(at),
		":due": millis(at),
		":rc":  number(retryCount),
		":err": &types.AttributeValueMemberS{Value: errMsg},
		":now": timeValue(now),
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, from Status, retryCount int, errMsg string, now time.Time) error {
	return s.update(ctx, id, from, "SET #s = :to, retry_count = :rc, error_message = :err, updated_at = :now REMOVE claimed_at", nil, map[string]types.AttributeValue{
		":to":  status(StatusFailed),
		":rc":  number(retryCount),
		":err": &types.AttributeValueMemberS{Value: errMsg},
		":now": timeValue(now),
	})
}

// ReleaseClaim returns a processing row to pending, but only if it still
// carries the claim the caller judged stale.
func (s *Store) ReleaseClaim(ctx context.Context, id string, claimedAt time.Time, now time.Time) error {
	return s.update(ctx, id, StatusProcessing, "SET #s = :to, updated_at = :now REMOVE claimed_at", aws.String("claimed_at = :claimed"), map[string]types.AttributeValue{
		":to":      status(StatusPending),
		":now":     timeValue(now),
		":claimed": timeValue(claimedAt),
	})
}

func (s *Store) update(ctx context.Context, id string, from Status, expr string, extraCond *string, values map[string]types.AttributeValue) error {
	_, err := s.write(ctx, id, from, expr, extraCond, values, types.ReturnValueNone)
	return err
}

func (s *Store) write(ctx context.Context, id string, from Status, expr string, extraCond *string, values map[string]types.AttributeValue, rv types.ReturnValue) (*dyn.UpdateItemOutput, error) {
	cond := "#s = :expected"
	if extraCond != nil {
		cond += " AND " + *extraCond
	}
	values[":expected"] = status(from)
	names := map[string]string{"#s": "status"}
	// title and message are reserved words
	if _, ok := values[":title"]; ok {
		names["#title"] = "title"
		names["#msg"] = "message"
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(id),
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              rv,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return out, nil
}

// Stats scans the table; it is an admin report, not a hot path.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	input := &dyn.ScanInput{
		TableName:                &s.tableName,
		ProjectionExpression:     aws.String("#s, created_at"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
	}
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return Stats{}, fmt.Errorf("scan: %w", err)
		}
		var rows []struct {
			Status    Status    `dynamodbav:"status"`
			CreatedAt time.Time `dynamodbav:"created_at"`
		}
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return Stats{}, fmt.Errorf("unmarshal stats rows: %w", err)
		}
		for _, r := range rows {
			if r.CreatedAt.Before(since) {
				continue
			}
			st.Add(r.Status)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return st, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// Add counts one row in status s.
func (st *Stats) Add(s Status) {
	st.Total++
	switch s {
	case StatusPending:
		st.Pending++
	case StatusProcessing:
		st.Processing++
	case StatusSent:
		st.Sent++
	case StatusFailed:
		st.Failed++
	}
}

func (s *Store) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"notification_id": &types.AttributeValueMemberS{Value: id},
	}
}

func status(s Status) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: string(s)}
}

func number(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// timeValue encodes t the way attributevalue encodes struct fields, so
// conditions on stored timestamps compare equal.
func timeValue(t time.Time) types.AttributeValue {
	av, err := attributevalue.Marshal(t.UTC())
	if err != nil {
		return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
	}
	return av
}

func boolPtr(b bool) *bool { return &b }
