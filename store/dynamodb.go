package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	idempotency "github.com/AnandSundar/lambda-idempotency"
)

// DynamoDBClient is the subset of *dynamodb.Client the store uses
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Attribute names. expiration is in epoch seconds so it can back a DynamoDB
// TTL; in_progress_expiration is in epoch millis.
const (
	attrID                   = "id"
	attrStatus               = "status"
	attrData                 = "data"
	attrExpiration           = "expiration"
	attrInProgressExpiration = "in_progress_expiration"
	attrValidation           = "validation"
)

// DynamoDBStore is a DynamoDB implementation of idempotency.Store using
// conditional writes for create-if-absent.
type DynamoDBStore struct {
	client DynamoDBClient
	table  string
	now    func() time.Time
}

// DynamoDBOption configures a DynamoDBStore
type DynamoDBOption func(*DynamoDBStore)

// WithDynamoDBClock replaces time.Now
func WithDynamoDBClock(now func() time.Time) DynamoDBOption {
	return func(s *DynamoDBStore) {
		s.now = now
	}
}

// NewDynamoDBStore creates a store over table. The table's partition key must be "id" (string).
func NewDynamoDBStore(client DynamoDBClient, table string, opts ...DynamoDBOption) *DynamoDBStore {
	if table == "" {
		table = DefaultTableName
	}
	s := &DynamoDBStore{
		client: client,
		table:  table,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a live record with a consistent read
func (s *DynamoDBStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, idempotency.ErrRecordNotFound
	}

	record, err := decodeDynamoDBItem(key, out.Item)
	if err != nil {
		return nil, err
	}
	if record.IsExpired(s.now()) {
		return nil, idempotency.ErrRecordNotFound
	}
	return record, nil
}

// PutInProgress writes the record unless a live, non-abandoned one exists
func (s *DynamoDBStore) PutInProgress(ctx context.Context, record *idempotency.Record) error {
	now := s.now()
	item := map[string]types.AttributeValue{
		attrID:         &types.AttributeValueMemberS{Value: record.Key},
		attrStatus:     &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
		attrExpiration: numberAttr(record.ExpiresAt.Unix()),
	}
	if !record.InProgressExpiresAt.IsZero() {
		item[attrInProgressExpiration] = numberAttr(record.InProgressExpiresAt.UnixMilli())
	}
	if record.PayloadHash != "" {
		item[attrValidation] = &types.AttributeValueMemberS{Value: record.PayloadHash}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
		ConditionExpression: aws.String("attribute_not_exists(#id) OR #expiry <= :now OR " +
			"(#status = :inprogress AND attribute_exists(#in_progress_expiry) AND #in_progress_expiry <= :now_ms)"),
		ExpressionAttributeNames: map[string]string{
			"#id":                 attrID,
			"#expiry":             attrExpiration,
			"#status":             attrStatus,
			"#in_progress_expiry": attrInProgressExpiration,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        numberAttr(now.Unix()),
			":now_ms":     numberAttr(now.UnixMilli()),
			":inprogress": &types.AttributeValueMemberS{Value: string(idempotency.StatusInProgress)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return idempotency.ErrRecordAlreadyExists
		}
		return fmt.Errorf("idempotency put in progress: %w", err)
	}
	return nil
}

// PutComplete stores the result and marks the record completed
func (s *DynamoDBStore) PutComplete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.itemKey(key),
		UpdateExpression: aws.String("SET #status = :completed, #data = :data, #expiry = :expiry REMOVE #in_progress_expiry"),
		ExpressionAttributeNames: map[string]string{
			"#status":             attrStatus,
			"#data":               attrData,
			"#expiry":             attrExpiration,
			"#in_progress_expiry": attrInProgressExpiration,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(idempotency.StatusCompleted)},
			":data":      &types.AttributeValueMemberB{Value: result},
			":expiry":    numberAttr(s.now().Add(ttl).Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("idempotency put complete: %w", err)
	}
	return nil
}

// Delete removes the record
func (s *DynamoDBStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: key},
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func decodeDynamoDBItem(key string, item map[string]types.AttributeValue) (*idempotency.Record, error) {
	record := &idempotency.Record{Key: key}

	if v, ok := item[attrStatus].(*types.AttributeValueMemberS); ok {
		record.Status = idempotency.Status(v.Value)
	}
	switch v := item[attrData].(type) {
	case *types.AttributeValueMemberB:
		record.Result = v.Value
	case *types.AttributeValueMemberS:
		record.Result = []byte(v.Value)
	}
	if v, ok := item[attrValidation].(*types.AttributeValueMemberS); ok {
		record.PayloadHash = v.Value
	}
	if v, ok := item[attrExpiration].(*types.AttributeValueMemberN); ok {
		sec, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode idempotency record %q: %s: %w", key, attrExpiration, err)
		}
		record.ExpiresAt = time.Unix(sec, 0)
	}
	if v, ok := item[attrInProgressExpiration].(*types.AttributeValueMemberN); ok {
		ms, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode idempotency record %q: %s: %w", key, attrInProgressExpiration, err)
		}
		record.InProgressExpiresAt = time.UnixMilli(ms)
	}
	return record, nil
}
