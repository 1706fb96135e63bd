package cli

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/junban/internal/config"
	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/storage"
	"github.com/ashita-ai/junban/internal/storage/sqlite"
	"github.com/ashita-ai/junban/migrations"
)

// Store is the read side of a row store the inspection commands use.
type Store interface {
	ListLocks(ctx context.Context) ([]model.AgentLock, error)
	ListNodes(ctx context.Context) ([]model.NodeHeartbeat, error)
	ListAggregates(ctx context.Context, aggregateType string, limit int) ([]model.AggregateInfo, error)
	ListEvents(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error)
}

// Migrator applies and reports embedded schema migrations.
type Migrator interface {
	RunMigrations(ctx context.Context, migrationsFS fs.FS) ([]string, error)
	MigrationStatus(ctx context.Context, migrationsFS fs.FS) ([]storage.Migration, error)
}

// NotifySource is a LISTEN/NOTIFY connection.
type NotifySource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

func configuredStore(logger *slog.Logger) func(ctx context.Context) (Store, func(), error) {
	return func(ctx context.Context) (Store, func(), error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		switch cfg.Store {
		case config.StorePostgres:
			db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
			if err != nil {
				return nil, nil, WrapExitError(ExitCommandError, "connect to postgres", err)
			}
			return db, func() { db.Close(context.Background()) }, nil
		case config.StoreSQLite:
			s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
			if err != nil {
				return nil, nil, WrapExitError(ExitCommandError, "open sqlite", err)
			}
			return s, func() { _ = s.Close() }, nil
		default:
			return nil, nil, &ExitError{
				Code:    ExitCommandError,
				Message: fmt.Sprintf("the %s store lives inside a running node and cannot be inspected", cfg.Store),
			}
		}
	}
}

func configuredMigrator(logger *slog.Logger) func(ctx context.Context) (Migrator, func(), error) {
	return func(ctx context.Context) (Migrator, func(), error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store != config.StorePostgres {
			return nil, nil, &ExitError{
				Code:    ExitCommandError,
				Message: fmt.Sprintf("migrate applies to the postgres store; the %s store creates its schema on open", cfg.Store),
			}
		}
		db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "connect to postgres", err)
		}
		return db, func() { db.Close(context.Background()) }, nil
	}
}

func configuredNotify(logger *slog.Logger) func(ctx context.Context) (NotifySource, func(), error) {
	return func(ctx context.Context) (NotifySource, func(), error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store != config.StorePostgres {
			return nil, nil, &ExitError{Code: ExitCommandError, Message: "events watch requires the postgres store"}
		}
		notifyURL := cfg.NotifyURL
		if notifyURL == "" {
			notifyURL = cfg.DatabaseURL
		}
		db, err := storage.New(ctx, cfg.DatabaseURL, notifyURL, logger)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "connect to postgres", err)
		}
		return db, func() { db.Close(context.Background()) }, nil
	}
}

var migrationsFS fs.FS = migrations.FS
