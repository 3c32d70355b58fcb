package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkload/bulkload/internal/config"
	"github.com/bulkload/bulkload/internal/job"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a job.Store that owns its connections.
type Store interface {
	job.Store
	Close() error
}

// Open connects the configured driver. SQLite creates its schema inline;
// PostgreSQL expects Migrate to have run.
func Open(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		logger.Info("opening sqlite database", "path", cfg.DSN)
		s, err := job.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pool, err := OpenPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return job.NewPostgresStore(pool), nil
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
}

// OpenPool creates a pgx pool and pings it.
func OpenPool(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	pc.MinConns = 1
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = "bulkload"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("connected to database")
	return pool, nil
}

// Migrate applies the embedded PostgreSQL migrations. dsn must be a URL.
func Migrate(dsn string, logger *slog.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// migrateURL rewrites a postgres:// URL onto the pgx/v5 migrate driver scheme.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
