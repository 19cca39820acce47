package config

import "time"

// Constants defining default values for application configuration
const (
	DefaultSourcesCSVPath = "./sources.csv"
	DefaultCatalogPath    = "./catalog.yaml"
	DefaultDBPath         = "./ingestor.db"
	DefaultDBDriver       = DriverSQLite

	RemoteSourcesURL = "https://raw.githubusercontent.com/reddot-watch/curated-world-news/main/sources.csv"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultInterval = 0 // Minutes between triggers in 'start' mode, 0 for one-shot

	DefaultLockBackend = LockBackendSQL
	DefaultLockName    = "refresh"

	DefaultDynamoRegion    = "us-west-2"
	DefaultDynamoTable     = "ingestor_locks"
	DefaultMongoDatabase   = "ingestor"
	DefaultMongoCollection = "locks"

	DefaultProfile         = ProfileProduction
	DefaultLogLevel        = "info"
	DefaultTimezone        = "UTC"
	DefaultUserAgent       = "ReddotIngestor/1.0 (+https://github.com/reddot-watch)"
	DefaultDefaultCategory = "general"
	DefaultCatalogVersion  = "builtin"

	// LockReleaseMargin is the minimum gap between a cycle timeout and the lock
	// TTL. It must exceed the coordinator's release timeout.
	LockReleaseMargin = 15 * time.Second

	defaultRefreshInterval = 15 * time.Minute
	defaultLockTTL         = 10 * time.Minute // Must exceed defaultCycleTimeout
	defaultCycleTimeout    = 8 * time.Minute
	defaultSourceTimeout   = 2 * time.Minute
	defaultFeedTimeout     = 15 * time.Second
	defaultImageTimeout    = 5 * time.Second
	defaultOGImageTimeout  = 8 * time.Second
	defaultOGImageMaxAge   = 7 * 24 * time.Hour
	defaultWorkerCount     = 4
	defaultBatchSize       = 20
	defaultDailyQuota      = 100
)

// Database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Lock backends
const (
	LockBackendSQL      = "sql"
	LockBackendDynamoDB = "dynamodb"
	LockBackendMongoDB  = "mongodb"
)

// Named catalog profiles
const (
	ProfileProduction = "production"
	ProfilePreview    = "preview"
)
