package notifications

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
)

// TemplateStore reads and writes template rows keyed by notification_type.
type TemplateStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewTemplateStore(client aws.DynamoDBAPI, tableName string) *TemplateStore {
	return &TemplateStore{client: client, tableName: tableName}
}

// ListTemplates scans the whole table; it holds one row per type.
func (s *TemplateStore) ListTemplates(ctx context.Context) ([]Template, error) {
	var (
		out   []Template
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan templates: %w", err)
		}
		var batch []Template
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal templates: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

// Put stores t, replacing any row for the same type.
func (s *TemplateStore) Put(ctx context.Context, t Template) error {
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}
