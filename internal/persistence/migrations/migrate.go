// Package migrations wires golang-migrate execution for the connector's
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/tradewire/connector/db/migrations"
	"github.com/tradewire/connector/lib/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the
// Postgres instance reachable via dsn. An empty migrationsDir uses the
// migrations embedded in the binary. A nil logger disables informational
// logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	m, label, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if logger != nil {
		logger.Printf("running database migrations: source=%s", label)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", label)

	return nil
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}

	m, label, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if logger != nil {
		logger.Printf("rolling back database migrations: source=%s steps=%d", label, steps)
	}

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			return nil
		}
		recordMigrationMetric(ctx, "rollback-failed", label)
		return fmt.Errorf("rollback migrations: %w", err)
	}

	recordMigrationMetric(ctx, "rolled-back", label)
	return nil
}

func newMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) (*migrate.Migrate, string, func(), error) {
	label := "embedded"
	var resolvedDir string
	if strings.TrimSpace(migrationsDir) != "" {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return nil, "", nil, err
		}
		resolvedDir = dir
		label = dir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if resolvedDir != "" {
		m, err = migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	} else {
		src, ierr := iofs.New(dbmigrations.Files, ".")
		if ierr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("initialise embedded migrations source: %w", ierr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}
	return m, label, cleanup, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("connector_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("migrations_source", source))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
