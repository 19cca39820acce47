package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
)

// DynamoDBStore keeps the lock as an item keyed by name, guarded by conditional writes.
type DynamoDBStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
	name      string
	now       func() time.Time
}

type dynamoLockItem struct {
	Name       string `dynamodbav:"name"`
	Token      string `dynamodbav:"token"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

// NewDynamoDBStore creates a new DynamoDB lock store
func NewDynamoDBStore(ctx context.Context, cfg Config) (*DynamoDBStore, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.DynamoRegion),
	}

	// For local testing with DynamoDB Local
	if cfg.DynamoEndpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.DynamoEndpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	store := newDynamoDBStore(dynamodb.New(sess), cfg.DynamoTable, cfg.Name)
	if err := store.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure lock table exists: %w", err)
	}
	return store, nil
}

func newDynamoDBStore(client dynamodbiface.DynamoDBAPI, table, name string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table, name: name, now: time.Now}
}

// ensureTable creates the lock table if it doesn't exist
func (d *DynamoDBStore) ensureTable(ctx context.Context) error {
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return err
	}

	log.Info().Str("table", d.tableName).Msg("Creating DynamoDB lock table")
	_, err = d.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("name"), KeyType: aws.String("HASH")},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("name"), AttributeType: aws.String("S")},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return d.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
}

// TryAcquire writes the item unless a live one exists.
func (d *DynamoDBStore) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	now := d.now()
	token := newToken()

	item, err := dynamodbattribute.MarshalMap(dynamoLockItem{
		Name:       d.name,
		Token:      token,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal lock item: %w", err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#name) OR #expires <= :now"),
		ExpressionAttributeNames: map[string]*string{
			"#name":    aws.String("name"),
			"#expires": aws.String("expires_at"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":now": {N: aws.String(strconv.FormatInt(now.UnixMilli(), 10))},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return "", false, nil
		}
		return "", false, &LockError{Backend: BackendDynamoDB, Op: "acquire", Err: err}
	}
	return token, true, nil
}

// Release deletes the item only while it still carries token.
func (d *DynamoDBStore) Release(ctx context.Context, token string) error {
	_, err := d.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(),
		ConditionExpression: aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]*string{
			"#token": aws.String("token"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":token": {S: aws.String(token)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrNotHeld
		}
		return &LockError{Backend: BackendDynamoDB, Op: "release", Err: err}
	}
	return nil
}

// Current reads the lock item with strong consistency.
func (d *DynamoDBStore) Current(ctx context.Context) (*models.RefreshLock, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &LockError{Backend: BackendDynamoDB, Op: "inspect", Err: err}
	}
	if result.Item == nil {
		return nil, nil
	}

	var item dynamoLockItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock item: %w", err)
	}
	return &models.RefreshLock{
		Name:       item.Name,
		Token:      item.Token,
		AcquiredAt: fromMillis(item.AcquiredAt),
		ExpiresAt:  fromMillis(item.ExpiresAt),
	}, nil
}

// IsExpired reports whether the lock is absent or past its expiry.
func (d *DynamoDBStore) IsExpired(ctx context.Context) (bool, error) {
	cur, err := d.Current(ctx)
	if err != nil {
		return false, err
	}
	return cur == nil || cur.Expired(d.now()), nil
}

// Close is a no-op; the DynamoDB client doesn't need explicit closing.
func (d *DynamoDBStore) Close() error {
	return nil
}

func (d *DynamoDBStore) key() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"name": {S: aws.String(d.name)},
	}
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
