package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config holds all process-level configuration. Catalog data (sources, categories,
// tunables) is loaded separately on every cycle, see CatalogLoader.
type Config struct {
	// File paths
	SourcesCSVPath string
	CatalogPath    string
	Profile        string

	// Database settings
	DBDriver string
	DBPath   string // sqlite3 only
	DBDSN    string // postgres only

	// Lock settings
	LockBackend     string
	LockName        string
	DynamoRegion    string
	DynamoTable     string
	DynamoEndpoint  string // For DynamoDB Local
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	// Server settings
	ServerHost string
	ServerPort int
	APIKey     string

	// Trigger settings
	Interval  time.Duration
	Force     bool
	RemoteURL string // refresh through a running server instead of locally

	// Log settings
	LogLevel zerolog.Level
}

// DefaultConfig returns an initial configuration with hardcoded defaults.
func DefaultConfig() *Config {
	logLevel, _ := zerolog.ParseLevel(DefaultLogLevel)

	return &Config{
		SourcesCSVPath:  DefaultSourcesCSVPath,
		CatalogPath:     DefaultCatalogPath,
		Profile:         DefaultProfile,
		DBDriver:        DefaultDBDriver,
		DBPath:          DefaultDBPath,
		DBDSN:           GetEnvString("INGESTOR_DB_DSN", ""),
		LockBackend:     DefaultLockBackend,
		LockName:        DefaultLockName,
		DynamoRegion:    GetEnvString("AWS_REGION", DefaultDynamoRegion),
		DynamoTable:     DefaultDynamoTable,
		DynamoEndpoint:  GetEnvString("DYNAMODB_ENDPOINT", ""),
		MongoURI:        GetEnvString("MONGODB_URI", ""),
		MongoDatabase:   DefaultMongoDatabase,
		MongoCollection: DefaultMongoCollection,
		ServerHost:      DefaultServerHost,
		ServerPort:      DefaultServerPort,
		APIKey:          GetEnvString("INGESTOR_API_KEY", ""),
		RemoteURL:       GetEnvString("INGESTOR_REMOTE_URL", ""),
		Interval:        GetEnvDuration("INGESTOR_INTERVAL", time.Duration(DefaultInterval)*time.Minute),
		LogLevel:        GetEnvLogLevel("INGESTOR_LOG_LEVEL", logLevel),
	}
}

// ListenAddr returns the formatted listen address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("database path is required for driver %s", c.DBDriver)
		}
	case DriverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("database DSN is required for driver %s", c.DBDriver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.DBDriver)
	}

	switch c.LockBackend {
	case LockBackendSQL:
	case LockBackendDynamoDB:
		if c.DynamoTable == "" {
			return fmt.Errorf("dynamodb lock backend requires a table name")
		}
	case LockBackendMongoDB:
		if c.MongoURI == "" {
			return fmt.Errorf("mongodb lock backend requires a connection URI")
		}
	default:
		return fmt.Errorf("unsupported lock backend: %s", c.LockBackend)
	}
	return nil
}
