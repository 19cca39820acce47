package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/config"
	"reddot-watch/ingestor/internal/database"
	importsources "reddot-watch/ingestor/internal/import"
	"reddot-watch/ingestor/internal/lock"
	"reddot-watch/ingestor/internal/refresh"
	"reddot-watch/ingestor/internal/server"
	"reddot-watch/ingestor/internal/server/client"
	"reddot-watch/ingestor/internal/storage"
)

const usage = `Usage: ingestor [command] [options]
Commands: import, refresh, start, server, rollback

For command-specific options, use: ingestor [command] -h`

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// commonFlags registers the database, catalog, lock and log flags every command shares.
func commonFlags(fs *flag.FlagSet, cfg *config.Config, logLevel *string) {
	fs.StringVar(&cfg.DBDriver, "db-driver", config.GetEnvString("INGESTOR_DB_DRIVER", config.DefaultDBDriver),
		"Database driver: sqlite3 or postgres (env: INGESTOR_DB_DRIVER)")
	fs.StringVar(&cfg.DBPath, "db", config.GetEnvString("INGESTOR_DB_PATH", config.DefaultDBPath),
		"Path to the SQLite database file (env: INGESTOR_DB_PATH)")
	fs.StringVar(&cfg.DBDSN, "dsn", cfg.DBDSN,
		"PostgreSQL connection string (env: INGESTOR_DB_DSN)")
	fs.StringVar(&cfg.CatalogPath, "catalog", config.GetEnvString("INGESTOR_CATALOG", config.DefaultCatalogPath),
		"Path to the catalog YAML file; built-in defaults are used when missing (env: INGESTOR_CATALOG)")
	fs.StringVar(&cfg.Profile, "profile", config.GetEnvString("INGESTOR_PROFILE", config.DefaultProfile),
		"Catalog profile: production or preview (env: INGESTOR_PROFILE)")
	fs.StringVar(&cfg.LockBackend, "lock-backend", config.GetEnvString("INGESTOR_LOCK_BACKEND", config.DefaultLockBackend),
		"Lock backend: sql, dynamodb or mongodb (env: INGESTOR_LOCK_BACKEND)")
	fs.StringVar(&cfg.DynamoTable, "dynamo-table", config.GetEnvString("INGESTOR_DYNAMO_TABLE", config.DefaultDynamoTable),
		"DynamoDB lock table (env: INGESTOR_DYNAMO_TABLE)")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI,
		"MongoDB connection URI (env: MONGODB_URI)")
	fs.StringVar(logLevel, "log-level", cfg.LogLevel.String(),
		"Log level: debug, info, warn, error (env: INGESTOR_LOG_LEVEL)")
}

func main() {
	cfg := config.DefaultConfig()
	var logLevelStr string

	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	commonFlags(importCmd, cfg, &logLevelStr)
	importCmd.StringVar(&cfg.SourcesCSVPath, "csv", config.GetEnvString("INGESTOR_CSV_PATH", config.DefaultSourcesCSVPath),
		"Path to the sources CSV file, downloaded when missing (env: INGESTOR_CSV_PATH)")

	refreshCmd := flag.NewFlagSet("refresh", flag.ExitOnError)
	commonFlags(refreshCmd, cfg, &logLevelStr)
	refreshCmd.BoolVar(&cfg.Force, "force", config.GetEnvBool("INGESTOR_FORCE", false),
		"Run even if the last cycle is recent; the lock is still required (env: INGESTOR_FORCE)")
	refreshCmd.StringVar(&cfg.RemoteURL, "remote", cfg.RemoteURL,
		"Trigger through the server at this base URL instead of running locally (env: INGESTOR_REMOTE_URL)")

	startCmd := flag.NewFlagSet("start", flag.ExitOnError)
	commonFlags(startCmd, cfg, &logLevelStr)
	startCmd.DurationVar(&cfg.Interval, "interval", cfg.Interval,
		"Time between triggers such as 15m, 0 for one-shot mode (env: INGESTOR_INTERVAL, bare numbers are minutes)")

	serverCmd := flag.NewFlagSet("server", flag.ExitOnError)
	commonFlags(serverCmd, cfg, &logLevelStr)
	serverCmd.StringVar(&cfg.ServerHost, "host", config.GetEnvString("INGESTOR_HOST", config.DefaultServerHost),
		"Host to bind the server to (env: INGESTOR_HOST)")
	serverCmd.IntVar(&cfg.ServerPort, "port", config.GetEnvInt("INGESTOR_PORT", config.DefaultServerPort),
		"Port to listen on (env: INGESTOR_PORT)")

	rollbackCmd := flag.NewFlagSet("rollback", flag.ExitOnError)
	commonFlags(rollbackCmd, cfg, &logLevelStr)
	var steps int
	rollbackCmd.IntVar(&steps, "steps", 1, "Number of migrations to revert")

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var run func() error
	switch os.Args[1] {
	case "import":
		importCmd.Parse(os.Args[2:])
		run = func() error { return runImport(cfg) }
	case "refresh":
		refreshCmd.Parse(os.Args[2:])
		run = func() error { return runRefresh(cfg) }
	case "start":
		startCmd.Parse(os.Args[2:])
		run = func() error { return runStart(cfg) }
	case "server":
		serverCmd.Parse(os.Args[2:])
		run = func() error { return runServer(cfg) }
	case "rollback":
		rollbackCmd.Parse(os.Args[2:])
		run = func() error { return runRollback(cfg, steps) }
	case "-h", "--help", "help":
		fmt.Println(usage)
		os.Exit(0)
	default:
		log.Error().Str("command", os.Args[1]).Msg("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}

	if level, err := zerolog.ParseLevel(logLevelStr); err == nil {
		cfg.LogLevel = level
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}
	if err := run(); err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("Command failed")
		os.Exit(1)
	}
}

// app holds the long-lived services shared by the commands.
type app struct {
	db          *database.DB
	catalog     *config.CatalogLoader
	articles    *storage.ArticleStore
	sources     *storage.SourceRepository
	state       *storage.StateRepository
	locks       lock.Store
	coordinator *refresh.Coordinator
	tunables    config.Tunables
}

func openDB(cfg *config.Config) (*database.DB, error) {
	dbCfg := database.NewConfig(cfg.DBPath)
	if cfg.DBDriver == config.DriverPostgres {
		dbCfg = database.NewPostgresConfig(cfg.DBDSN)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	loader := config.NewCatalogLoader(cfg.CatalogPath, cfg.Profile)
	cat, err := loader.Load(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	locks, err := lock.NewStore(ctx, lock.Config{
		Backend:         cfg.LockBackend,
		Name:            cfg.LockName,
		DB:              db,
		DynamoRegion:    cfg.DynamoRegion,
		DynamoTable:     cfg.DynamoTable,
		DynamoEndpoint:  cfg.DynamoEndpoint,
		MongoURI:        cfg.MongoURI,
		MongoDatabase:   cfg.MongoDatabase,
		MongoCollection: cfg.MongoCollection,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize lock store: %w", err)
	}

	a := &app{
		db:       db,
		catalog:  loader,
		articles: storage.NewArticleStore(db, cat.Tunables.Location()),
		sources:  storage.NewSourceRepository(db),
		state:    storage.NewStateRepository(db),
		locks:    locks,
		tunables: cat.Tunables,
	}

	a.coordinator, err = refresh.NewCoordinator(refresh.Deps{
		Name:     cfg.LockName,
		Locks:    locks,
		State:    a.state,
		Catalog:  loader,
		Sources:  a.sources,
		Articles: a.articles,
		Status:   a.sources,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.Info().
		Str("catalog_version", cat.Version).
		Str("profile", cat.Profile).
		Str("lock_backend", cfg.LockBackend).
		Msg("Ingestor initialized")
	return a, nil
}

func (a *app) Close() {
	if err := a.locks.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close lock store")
	}
	a.db.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runImport upserts source definitions from a CSV file into the database.
func runImport(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	importer := importsources.NewImporter(storage.NewSourceRepository(db), nil, config.RemoteSourcesURL)
	summary, err := importer.ImportSources(ctx, cfg.SourcesCSVPath)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d sources successfully\n", summary.Imported)
	if len(summary.Errors) > 0 {
		fmt.Printf("Encountered %d errors:\n", len(summary.Errors))
		for _, e := range summary.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

// runRefresh fires a single trigger, the entry point for an external cron.
func runRefresh(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	if cfg.RemoteURL != "" {
		return runRemoteRefresh(ctx, cfg)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.coordinator.Trigger(ctx, refresh.TriggerOptions{Force: cfg.Force})
	if err != nil {
		return err
	}
	log.Info().
		Str("outcome", result.Outcome).
		Int64("stored", result.Stats.Stored).
		Msg("Trigger finished")
	return nil
}

func runRemoteRefresh(ctx context.Context, cfg *config.Config) error {
	c, err := client.New(client.Config{BaseURL: cfg.RemoteURL, APIKey: cfg.APIKey})
	if err != nil {
		return err
	}

	result, err := c.Refresh(ctx, cfg.Force)
	if err != nil {
		return err
	}
	log.Info().
		Str("remote", cfg.RemoteURL).
		Str("outcome", result.Outcome).
		Int64("stored", result.Stats.Stored).
		Msg("Remote trigger finished")
	return nil
}

// runStart fires triggers on a fixed interval, standing in for an external scheduler.
func runStart(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	trigger := func() {
		result, err := a.coordinator.Trigger(ctx, refresh.TriggerOptions{Force: cfg.Force})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("Trigger canceled by shutdown signal")
				return
			}
			log.Error().Err(err).Msg("Trigger failed")
			return
		}
		log.Info().Str("outcome", result.Outcome).Int64("stored", result.Stats.Stored).Msg("Trigger finished")
	}

	if cfg.Interval <= 0 {
		log.Info().Msg("Running in one-shot mode")
		trigger()
		return nil
	}

	log.Info().Dur("interval", cfg.Interval).Msg("Running in periodic mode")
	trigger()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		log.Info().Time("next_run", time.Now().Add(cfg.Interval)).Msg("Waiting for next trigger")
		select {
		case <-ticker.C:
			trigger()
		case <-ctx.Done():
			log.Info().Msg("Shutting down periodic triggers")
			return nil
		}
	}
}

// runServer starts the HTTP API server with the provided configuration.
func runServer(cfg *config.Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return server.RunServer(server.Deps{
		LockName:    cfg.LockName,
		DB:          a.db,
		Articles:    a.articles,
		Coordinator: a.coordinator,
		State:       a.state,
		Locks:       a.locks,
		Sources:     server.CatalogSources{Loader: a.catalog, Repo: a.sources},
	}, server.Options{
		ListenAddr:   cfg.ListenAddr(),
		APIKey:       cfg.APIKey,
		WriteTimeout: a.tunables.CycleTimeout + time.Minute,
	}, log.Logger)
}

// runRollback reverts the last steps migrations.
func runRollback(cfg *config.Config, steps int) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Rollback(steps); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.Info().Int("steps", steps).Msg("Rollback completed")
	return nil
}
