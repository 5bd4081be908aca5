// Package pgstore keeps candidate rate-limit state in PostgreSQL. A version
// column makes compare-and-swap a conditional UPDATE.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jordanhubbard/llmproxy/internal/ratelimit"
)

type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	ttl         time.Duration
}

var _ ratelimit.Store = (*Store)(nil)

type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "llmproxy_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithTTL sets how long an entry survives without writes (default 1h). A
// state that still blocks is kept that long past its last reset.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "llmproxy_",
		ttl:         ratelimit.DefaultStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "ratelimit_state" }

// EnsureSchema creates the state table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS expires_at TIMESTAMPTZ NOT NULL DEFAULT now()`, s.table())
	if _, err := s.pool.Exec(ctx, alter); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

// expiry is when st written now stops being visible.
func (s *Store) expiry(now time.Time, st ratelimit.State) time.Time {
	return now.Add(st.Lifetime(now, s.ttl))
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.State, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT state FROM %s WHERE key = $1 AND expires_at > $2`, s.table()),
		key, time.Now(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("pgstore: get %s: %w", key, err)
	}
	var st ratelimit.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("pgstore: decode %s: %w", key, err)
	}
	return st, true, nil
}

func (s *Store) Put(ctx context.Context, key string, st ratelimit.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, version, state, updated_at, expires_at) VALUES ($1, $2, $3, now(), $4)
			ON CONFLICT (key) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state,
				updated_at = now(), expires_at = EXCLUDED.expires_at`, s.table()),
		key, int64(st.Version), raw, s.expiry(time.Now(), st),
	)
	if err != nil {
		return fmt.Errorf("pgstore: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, oldVersion uint64, next ratelimit.State) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("pgstore: encode %s: %w", key, err)
	}

	now := time.Now()
	expires := s.expiry(now, next)
	if oldVersion == 0 {
		// An expired row left behind counts as missing.
		tag, err := s.pool.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, version, state, updated_at, expires_at) VALUES ($1, $2, $3, now(), $4)
				ON CONFLICT (key) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state,
					updated_at = now(), expires_at = EXCLUDED.expires_at
				WHERE %s.expires_at <= $5`, s.table(), s.table()),
			key, int64(next.Version), raw, expires, now,
		)
		if err != nil {
			return false, fmt.Errorf("pgstore: insert %s: %w", key, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET version = $1, state = $2, updated_at = now(), expires_at = $3
			WHERE key = $4 AND version = $5 AND expires_at > $6`, s.table()),
		int64(next.Version), raw, expires, key, int64(oldVersion), now,
	)
	if err != nil {
		return false, fmt.Errorf("pgstore: swap %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table()), key); err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) (map[string]ratelimit.State, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT key, state FROM %s WHERE expires_at > $1`, s.table()),
		time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ratelimit.State)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan: %w", err)
		}
		var st ratelimit.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("pgstore: decode %s: %w", key, err)
		}
		out[key] = st
	}
	return out, rows.Err()
}

// Prune deletes expired entries and returns how many went.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table()),
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("pgstore: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
