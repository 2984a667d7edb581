package services

import (
	"fmt"
	"log/slog"

	"relay-svc/app/clients"
	"relay-svc/storage/postgres"
	"relay-svc/storage/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// StorageFactory creates storage adapters
type StorageFactory struct {
	logger *slog.Logger
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(logger *slog.Logger) *StorageFactory {
	return &StorageFactory{logger: logger}
}

// Create opens the store selected by driver. For postgres, target is a
// connection string and pending migrations are applied first; for sqlite
// it is a file path.
func (f *StorageFactory) Create(driver, target string) (clients.StorageAdapter, error) {
	switch driver {
	case DriverPostgres:
		return f.CreatePostgresStore(target)
	case DriverSQLite:
		return f.CreateSQLiteStore(target)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// CreatePostgresStore migrates the schema and opens a Postgres store
func (f *StorageFactory) CreatePostgresStore(connString string) (clients.StorageAdapter, error) {
	if err := postgres.RunMigrations(connString); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	store, err := postgres.NewStore(connString, f.logger.With("component", "postgres"))
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres store: %w", err)
	}
	f.logger.Info("storage ready", "driver", DriverPostgres, "schema_version", postgres.SchemaVersion)
	return store, nil
}

// CreateSQLiteStore opens an embedded SQLite store
func (f *StorageFactory) CreateSQLiteStore(path string) (clients.StorageAdapter, error) {
	store, err := sqlite.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite store: %w", err)
	}
	f.logger.Info("storage ready", "driver", DriverSQLite, "path", path)
	return store, nil
}
