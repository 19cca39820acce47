package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reddot-watch/ingestor/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "lock.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSQLStore_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	a := NewSQLStore(db, "refresh")
	b := NewSQLStore(db, "refresh")

	expired, err := a.IsExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired, "no lock row means free")

	token, ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lock cannot be taken")

	cur, err := b.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, token, cur.Token)
	assert.True(t, cur.ExpiresAt.After(cur.AcquiredAt))

	require.NoError(t, a.Release(ctx, token))

	token2, ok, err := b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, token, token2)
}

func TestSQLStore_ExpiredLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}

	crashed := NewSQLStore(db, "refresh")
	crashed.now = clock.Now
	other := NewSQLStore(db, "refresh")
	other.now = clock.Now

	staleToken, ok, err := crashed.TryAcquire(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(9 * time.Minute)
	_, ok, err = other.TryAcquire(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	expired, err := other.IsExpired(ctx)
	require.NoError(t, err)
	assert.True(t, expired)

	freshToken, ok, err := other.TryAcquire(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock is free")

	// The crashed holder waking up must not free someone else's lock.
	err = crashed.Release(ctx, staleToken)
	assert.ErrorIs(t, err, ErrNotHeld)

	cur, err := other.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, freshToken, cur.Token)
}

func TestSQLStore_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := NewSQLStore(db, "refresh").TryAcquire(ctx, time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestSQLStore_NamesAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	_, ok, err := NewSQLStore(db, "refresh").TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = NewSQLStore(db, "refresh-preview").TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLStore_ClosedDatabase(t *testing.T) {
	db := newTestDB(t)
	s := NewSQLStore(db, "refresh")
	require.NoError(t, db.Close())

	_, _, err := s.TryAcquire(context.Background(), time.Minute)
	var le *LockError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, BackendSQL, le.Backend)
	assert.Equal(t, "acquire", le.Op)
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	_, err := NewStore(ctx, Config{Backend: "etcd", Name: "refresh"})
	assert.Error(t, err)

	_, err = NewStore(ctx, Config{Backend: BackendSQL})
	assert.Error(t, err, "name is required")

	_, err = NewStore(ctx, Config{Backend: BackendSQL, Name: "refresh"})
	assert.Error(t, err, "sql backend needs a database")

	s, err := NewStore(ctx, Config{Backend: BackendSQL, Name: "refresh", DB: newTestDB(t)})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
}

// mockDynamoDB overrides the calls the lock store makes.
type mockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mock.Mock
}

func (m *mockDynamoDB) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.PutItemOutput{}, args.Error(0)
}

func (m *mockDynamoDB) DeleteItemWithContext(ctx aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	return &dynamodb.DeleteItemOutput{}, args.Error(0)
}

func TestDynamoDBStore_Acquire(t *testing.T) {
	ctx := context.Background()
	conditionFailed := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "held", nil)

	client := &mockDynamoDB{}
	client.On("PutItemWithContext", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return aws.StringValue(in.TableName) == "locks" &&
			aws.StringValue(in.Item["name"].S) == "refresh" &&
			in.ConditionExpression != nil
	})).Return(nil).Once()
	client.On("PutItemWithContext", ctx, mock.Anything).Return(conditionFailed).Once()
	client.On("PutItemWithContext", ctx, mock.Anything).Return(errors.New("throttled")).Once()

	s := newDynamoDBStore(client, "locks", "refresh")

	token, ok, err := s.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = s.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "conditional check failure means held")

	_, _, err = s.TryAcquire(ctx, time.Minute)
	var le *LockError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, BackendDynamoDB, le.Backend)

	client.AssertExpectations(t)
}

func TestDynamoDBStore_Release(t *testing.T) {
	ctx := context.Background()
	conditionFailed := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "token mismatch", nil)

	client := &mockDynamoDB{}
	client.On("DeleteItemWithContext", ctx, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		return aws.StringValue(in.ExpressionAttributeValues[":token"].S) == "mine"
	})).Return(nil).Once()
	client.On("DeleteItemWithContext", ctx, mock.Anything).Return(conditionFailed).Once()

	s := newDynamoDBStore(client, "locks", "refresh")
	assert.NoError(t, s.Release(ctx, "mine"))
	assert.ErrorIs(t, s.Release(ctx, "stale"), ErrNotHeld)

	client.AssertExpectations(t)
}
