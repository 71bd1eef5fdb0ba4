package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres inserts scalars into a PostgreSQL table, one row per value.
type Postgres struct {
	db     *sql.DB
	runID  string
	insert string
	logger *slog.Logger
}

// OpenPostgres connects with dsn and creates the metrics table if missing.
func OpenPostgres(ctx context.Context, dsn, table, runID string, connTimeout time.Duration, logger *slog.Logger) (*Postgres, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid metrics table name %q", table)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		step BIGINT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics table: %w", err)
	}

	logger.Info("metrics database ready", "system", "metrics", "table", table)
	return &Postgres{
		db:     db,
		runID:  runID,
		insert: fmt.Sprintf("INSERT INTO %s (run_id, tag, value, step) VALUES ($1, $2, $3, $4)", table),
		logger: logger.With("system", "metrics"),
	}, nil
}

func (p *Postgres) Scalar(ctx context.Context, tag string, value float64, step int64) error {
	if _, err := p.db.ExecContext(ctx, p.insert, p.runID, tag, value, step); err != nil {
		return fmt.Errorf("insert metric %s: %w", tag, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.logger.Info("closing metrics database")
	return p.db.Close()
}
