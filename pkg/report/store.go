package report

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxStoredRuns caps history so an unattended CI loop cannot grow the
// table without bound.
const maxStoredRuns = 200

// Store persists run history to PostgreSQL.
type Store struct {
	db *sql.DB
}

// OpenStore connects to the history database and applies migrations.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("history open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history ping: %w", err)
	}

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport inserts the run and its steps, then prunes old history.
func (s *Store) SaveReport(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	verdict, failureReason := "", ""
	if r.Verdict != nil {
		verdict = r.Verdict.Result
		failureReason = r.Verdict.FailureReason
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO probe_runs (id, test_id, channel_id, mode, status, reason, verdict, failure_reason, started_at, duration_ms, report)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RunID, r.TestID, r.ChannelID, r.Mode, string(r.Status), r.Reason,
		verdict, failureReason, r.StartedAt.UTC(), r.DurationMS, payload,
	)
	if err != nil {
		return fmt.Errorf("history insert run: %w", err)
	}

	for _, entry := range r.Transcript {
		replies, _ := json.Marshal(entry.Replies)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO probe_steps (run_id, step, utterance, attempts, elapsed_ms, replies)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.RunID, entry.Step, entry.Utterance, entry.Attempts, entry.ElapsedMS, replies,
		)
		if err != nil {
			return fmt.Errorf("history insert step %d: %w", entry.Step, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM probe_runs WHERE id NOT IN (SELECT id FROM probe_runs ORDER BY started_at DESC LIMIT $1)`,
		maxStoredRuns,
	)
	if err != nil {
		return fmt.Errorf("history prune: %w", err)
	}
	return tx.Commit()
}

// RunSummary is one row of run history.
type RunSummary struct {
	RunID     string
	TestID    string
	Status    string
	Verdict   string
	StartedAt time.Time
}

// RecentRuns lists the newest runs, most recent first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, status, verdict, started_at FROM probe_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.TestID, &r.Status, &r.Verdict, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
