package container

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"perteval/adapters/redisstore"
	"perteval/adapters/sqlstore"
	"perteval/app"
	"perteval/internal"
	"perteval/internal/config"
	"perteval/internal/errors"
	"perteval/internal/migration"
	"perteval/ports"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config

	// Infrastructure
	DB    *sqlx.DB
	Redis *redisstore.RunRepository

	// Repositories (data access layer)
	RunRepo ports.RunRepository

	// Services
	EvaluationService *app.EvaluationService
}

// New creates a new dependency injection container
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	internal.DefaultLogger.SetLevel(internal.ParseLevel(cfg.LogLevel))
	return &Container{Config: cfg}, nil
}

// OpenDatabase connects with the configured driver and applies migrations
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.URL == "" {
		return nil, errors.ConfigInvalid("DATABASE_URL is required")
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.URL)
	if err != nil {
		return nil, errors.DatabaseError("failed to connect to database", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite has one writer and :memory: databases are per connection
		db.SetMaxOpenConns(1)
	}

	migrator := migration.NewRunner()
	if err := migrator.Run(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "database migration failed")
	}
	log.Printf("[Container] %s database ready (schema %s)", cfg.Driver, migrator.Version())
	return db, nil
}

// InitWithDatabase wires repositories and services on top of db
func (c *Container) InitWithDatabase(ctx context.Context, db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database connection cannot be nil")
	}
	c.DB = db

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection test failed: %w", err)
	}

	c.RunRepo = sqlstore.NewRunRepository(db)

	if c.Config.Redis.Enabled() {
		cache, err := redisstore.NewRunRepository(ctx, c.Config.Redis.Addr, c.Config.Redis.DB, c.Config.Redis.TTL)
		if err != nil {
			log.Printf("[Container] Redis unavailable at %s, continuing without run cache: %v", c.Config.Redis.Addr, err)
		} else {
			c.Redis = cache
			c.RunRepo = redisstore.NewCachedRunRepository(c.RunRepo, cache)
			log.Printf("[Container] Run cache enabled at %s (ttl %s)", c.Config.Redis.Addr, c.Config.Redis.TTL)
		}
	}

	c.EvaluationService = app.NewEvaluationService(c.RunRepo, c.Config.Evaluation)
	log.Printf("[Container] Container initialized successfully with database connection")
	return nil
}

// Shutdown releases every connection the container opened
func (c *Container) Shutdown(ctx context.Context) error {
	var firstErr error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			firstErr = err
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
