// Package lock provides the cross-process mutual exclusion used by refresh cycles.
// A lock is a named record with an owner token and an expiry; an expired
// record may be taken over by anyone, so a crashed holder never blocks forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/models"
)

// Supported backends
const (
	BackendSQL      = "sql"
	BackendDynamoDB = "dynamodb"
	BackendMongoDB  = "mongodb"
)

// ErrNotHeld is returned by Release when the token no longer owns the lock.
var ErrNotHeld = errors.New("lock is not held by this token")

// LockError wraps a failure of the lock backend itself.
type LockError struct {
	Backend string
	Op      string
	Err     error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Store is a single named lock.
type Store interface {
	// TryAcquire takes the lock when it is free or expired. It never waits.
	TryAcquire(ctx context.Context, ttl time.Duration) (token string, acquired bool, err error)
	// Release frees the lock only when token still owns it.
	Release(ctx context.Context, token string) error
	// IsExpired reports whether no live holder exists.
	IsExpired(ctx context.Context) (bool, error)
	// Current returns the lock record, or nil when there is none.
	Current(ctx context.Context) (*models.RefreshLock, error)
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend string
	Name    string

	DB *database.DB // sql

	DynamoRegion   string
	DynamoTable    string
	DynamoEndpoint string // For DynamoDB Local

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// NewStore creates the lock store for the configured backend
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("lock name is required")
	}

	switch cfg.Backend {
	case BackendSQL, "":
		if cfg.DB == nil {
			return nil, fmt.Errorf("sql lock backend requires a database")
		}
		return NewSQLStore(cfg.DB, cfg.Name), nil
	case BackendDynamoDB:
		return NewDynamoDBStore(ctx, cfg)
	case BackendMongoDB:
		return NewMongoDBStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
}

func newToken() string {
	return uuid.NewString()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
