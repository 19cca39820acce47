package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reddot-watch/ingestor/internal/models"
)

// MongoDBStore keeps the lock as a document whose _id is the lock name. The
// unique _id turns a conflicting upsert into a duplicate key error.
type MongoDBStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	name       string
	now        func() time.Time
}

type mongoLockDoc struct {
	Name       string `bson:"_id"`
	Token      string `bson:"token"`
	AcquiredAt int64  `bson:"acquired_at"`
	ExpiresAt  int64  `bson:"expires_at"`
}

// NewMongoDBStore connects to MongoDB and creates a new lock store
func NewMongoDBStore(ctx context.Context, cfg Config) (*MongoDBStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return newMongoDBStore(client, client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection), cfg.Name), nil
}

func newMongoDBStore(client *mongo.Client, collection *mongo.Collection, name string) *MongoDBStore {
	return &MongoDBStore{client: client, collection: collection, name: name, now: time.Now}
}

// TryAcquire upserts the document when it is missing or expired. A live
// document makes the upsert collide on _id, which means "held".
func (m *MongoDBStore) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	now := m.now()
	token := newToken()

	filter := bson.M{"_id": m.name, "expires_at": bson.M{"$lte": now.UnixMilli()}}
	update := bson.M{"$set": bson.M{
		"token":       token,
		"acquired_at": now.UnixMilli(),
		"expires_at":  now.Add(ttl).UnixMilli(),
	}}

	_, err := m.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", false, nil
		}
		return "", false, &LockError{Backend: BackendMongoDB, Op: "acquire", Err: err}
	}
	return token, true, nil
}

// Release deletes the document only while it still carries token.
func (m *MongoDBStore) Release(ctx context.Context, token string) error {
	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": m.name, "token": token})
	if err != nil {
		return &LockError{Backend: BackendMongoDB, Op: "release", Err: err}
	}
	if res.DeletedCount == 0 {
		return ErrNotHeld
	}
	return nil
}

// Current returns the lock document, or nil when none exists.
func (m *MongoDBStore) Current(ctx context.Context) (*models.RefreshLock, error) {
	var doc mongoLockDoc
	err := m.collection.FindOne(ctx, bson.M{"_id": m.name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, &LockError{Backend: BackendMongoDB, Op: "inspect", Err: err}
	}
	return &models.RefreshLock{
		Name:       doc.Name,
		Token:      doc.Token,
		AcquiredAt: fromMillis(doc.AcquiredAt),
		ExpiresAt:  fromMillis(doc.ExpiresAt),
	}, nil
}

// IsExpired reports whether the lock is absent or past its expiry.
func (m *MongoDBStore) IsExpired(ctx context.Context) (bool, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return false, err
	}
	return cur == nil || cur.Expired(m.now()), nil
}

// Close disconnects the client
func (m *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
