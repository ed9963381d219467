package command

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/tomesphere/voice-core/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresNotifier inserts actions directly into the events table.
type PostgresNotifier struct {
	pool   *pgxpool.Pool
	insert string
	logger *slog.Logger
}

// OpenPostgresNotifier connects to cfg.DatabaseURL and, when cfg.Migrate is
// set, applies the embedded migrations first.
func OpenPostgresNotifier(ctx context.Context, cfg config.BroadcastConfig, logger *slog.Logger) (*PostgresNotifier, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if err := migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	table := cfg.Table
	if table == "" {
		table = "gaka_events"
	}
	return &PostgresNotifier{
		pool:   pool,
		insert: fmt.Sprintf("INSERT INTO %s (action, target) VALUES ($1, $2)", pgx.Identifier{table}.Sanitize()),
		logger: logger.With(slog.String("component", "command-postgres")),
	}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (n *PostgresNotifier) Notify(ctx context.Context, action Action, target string) error {
	if _, err := n.pool.Exec(ctx, n.insert, action.String(), target); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (n *PostgresNotifier) Close() {
	n.logger.Info("closing postgres pool")
	n.pool.Close()
}
