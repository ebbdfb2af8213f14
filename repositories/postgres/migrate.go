package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migration files follow golang-migrate's VERSION_name.{up,down}.sql layout
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	migrationsDir   = "migrations"
	migrationsTable = "schema_migrations"
)

// MigrationSource opens the embedded migration files
func MigrationSource() (source.Driver, error) {
	return iofs.New(migrationFiles, migrationsDir)
}

// MigrationVersions lists the embedded migration versions in ascending order
func MigrationVersions() ([]uint, error) {
	src, err := MigrationSource()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	v, err := src.First()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	versions := []uint{v}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return versions, nil
		}
		if err != nil {
			return nil, err
		}
		versions = append(versions, next)
		v = next
	}
}

// Migrator applies the embedded schema with golang-migrate. The postgres driver
// holds an advisory lock while migrating, so replicas starting together apply
// each migration once.
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a migrator over db
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{db: db, logger: logger}
}

// Up applies every pending migration and returns the resulting schema version
func (m *Migrator) Up(ctx context.Context) (uint, error) {
	var version uint
	err := m.run(ctx, func(mg *migrate.Migrate) error {
		if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, err := schemaVersion(mg)
		version = v
		return err
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info("migrations completed", zap.Uint("schema_version", version))
	return version, nil
}

// Down rolls back every applied migration
func (m *Migrator) Down(ctx context.Context) error {
	err := m.run(ctx, func(mg *migrate.Migrate) error {
		if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		return nil
	})
	if err == nil {
		m.logger.Warn("all migrations rolled back")
	}
	return err
}

// Version returns the applied schema version, 0 on a fresh database
func (m *Migrator) Version(ctx context.Context) (version uint, dirty bool, err error) {
	err = m.run(ctx, func(mg *migrate.Migrate) error {
		version, dirty, err = schemaVersion(mg)
		return err
	})
	return version, dirty, err
}

// run hands fn a migrate instance bound to one pooled connection. Closing the
// instance returns the connection to the pool and leaves the pool open.
func (m *Migrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return classify("acquire migration connection", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("create migration driver: %w", err)
	}

	src, err := MigrationSource()
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("open migration source: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	mg.Log = migrateLogger{logger: m.logger}
	defer func() {
		if srcErr, dbErr := mg.Close(); srcErr != nil || dbErr != nil {
			m.logger.Warn("failed to release migrator",
				zap.NamedError("source_error", srcErr),
				zap.NamedError("database_error", dbErr))
		}
	}()

	// migrate has no context support; a cancelled ctx stops after the running migration
	stop := context.AfterFunc(ctx, func() {
		select {
		case mg.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	return fn(mg)
}

func schemaVersion(mg *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

// migrateLogger routes golang-migrate output through zap
type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), zap.String("component", "migrate"))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
