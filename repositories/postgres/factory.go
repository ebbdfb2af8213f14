package postgres

import (
	"context"

	"github.com/upb/identity-service/config"
	"github.com/upb/identity-service/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db     *DB
	store  config.StoreConfig
	logger *zap.Logger
}

// NewRepositoryFactory opens the pool and creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return NewRepositoryFactoryFromDB(db, cfg.Store, logger), nil
}

// NewRepositoryFactoryFromDB builds a factory around an already open pool
func NewRepositoryFactoryFromDB(db *DB, store config.StoreConfig, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, store: store, logger: logger}
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Accounts:   NewAccountRepository(f.db, f.store.QueryTimeout, f.logger),
		AuthEvents: NewAuthEventRepository(f.db, f.logger),
	}
}

// Migrator returns a schema migrator over the factory's pool
func (f *RepositoryFactory) Migrator() *Migrator {
	return NewMigrator(f.db, f.logger)
}

// Migrate brings the schema up to date and returns its version
func (f *RepositoryFactory) Migrate(ctx context.Context) (uint, error) {
	return f.Migrator().Up(ctx)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
