package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// One writer at a time; an in-memory database also needs a single
	// connection or each connection sees its own empty database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
	}
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS models (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			context_window INTEGER NOT NULL,
			max_output_tokens INTEGER NOT NULL DEFAULT 0,
			input_price_per_mtok REAL NOT NULL DEFAULT 0,
			output_price_per_mtok REAL NOT NULL DEFAULT 0,
			tools BOOLEAN NOT NULL DEFAULT 0,
			vision BOOLEAN NOT NULL DEFAULT 0,
			reasoning BOOLEAN NOT NULL DEFAULT 0,
			free_tier BOOLEAN NOT NULL DEFAULT 0,
			weight INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			PRIMARY KEY (provider, model)
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_attempts (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			candidate TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			credential_id TEXT NOT NULL,
			try INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			max_output_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_started ON dispatch_attempts(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_request ON dispatch_attempts(request_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Models

const modelColumns = `provider, model, context_window, max_output_tokens, input_price_per_mtok,
	output_price_per_mtok, tools, vision, reasoning, free_tier, weight, enabled`

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (ModelRecord, error) {
	var m ModelRecord
	err := row.Scan(&m.Provider, &m.Model, &m.ContextWindow, &m.MaxOutputTokens,
		&m.InputPricePerMTok, &m.OutputPricePerMTok, &m.Tools, &m.Vision, &m.Reasoning,
		&m.FreeTier, &m.Weight, &m.Enabled)
	return m, err
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY provider, model`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, provider, model string) (*ModelRecord, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE provider = ? AND model = ?`, provider, model))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m ModelRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (`+modelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model) DO UPDATE SET
		   context_window=excluded.context_window,
		   max_output_tokens=excluded.max_output_tokens,
		   input_price_per_mtok=excluded.input_price_per_mtok,
		   output_price_per_mtok=excluded.output_price_per_mtok,
		   tools=excluded.tools,
		   vision=excluded.vision,
		   reasoning=excluded.reasoning,
		   free_tier=excluded.free_tier,
		   weight=excluded.weight,
		   enabled=excluded.enabled`,
		m.Provider, m.Model, m.ContextWindow, m.MaxOutputTokens, m.InputPricePerMTok,
		m.OutputPricePerMTok, m.Tools, m.Vision, m.Reasoning, m.FreeTier, m.Weight, m.Enabled)
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, provider, model string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE provider = ? AND model = ?`, provider, model)
	return err
}

// Dispatch attempts

// tsLayout is fixed-width so started_at sorts and compares as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// LogAttempts writes a batch in one transaction. Records whose ID is already
// present are skipped, so a retried batch is harmless.
func (s *SQLiteStore) LogAttempts(ctx context.Context, batch []AttemptRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dispatch_attempts (id, request_id, candidate, provider, model, credential_id,
		   try, started_at, outcome, error_kind, latency_ms, input_tokens, output_tokens, max_output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range batch {
		if _, err := stmt.ExecContext(ctx, a.ID, a.RequestID, a.CandidateKey, a.Provider, a.Model,
			a.CredentialID, a.Try, a.StartedAt.UTC().Format(tsLayout), a.Outcome, a.ErrorKind,
			a.LatencyMs, a.InputTokens, a.OutputTokens, a.MaxOutputTokens); err != nil {
			return fmt.Errorf("insert attempt %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]AttemptRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	q := `SELECT id, request_id, candidate, provider, model, credential_id, try, started_at, outcome,
		error_kind, latency_ms, input_tokens, output_tokens, max_output_tokens FROM dispatch_attempts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, try DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptRecord
	for rows.Next() {
		var (
			a  AttemptRecord
			ts string
		)
		if err := rows.Scan(&a.ID, &a.RequestID, &a.CandidateKey, &a.Provider, &a.Model, &a.CredentialID,
			&a.Try, &ts, &a.Outcome, &a.ErrorKind, &a.LatencyMs, &a.InputTokens, &a.OutputTokens,
			&a.MaxOutputTokens); err != nil {
			return nil, err
		}
		a.StartedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneAttempts deletes attempts started before the cutoff.
func (s *SQLiteStore) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_attempts WHERE started_at < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
