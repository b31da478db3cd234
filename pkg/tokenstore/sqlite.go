package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	scope      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (scope, key)
);
CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at) WHERE expires_at > 0;
`

// SQLiteStore persists tokens in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}
	// SQLite serialises writers anyway; one connection also keeps
	// ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping token database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("token store migration failed: %w", err)
	}

	logger = logger.With().Str("component", "tokenstore").Logger()
	logger.Info().Str("path", dbPath).Msg("token store initialized")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, scope, key, value string, ttl time.Duration) error {
	if scope == "" || key == "" {
		return ErrInvalidKey
	}
	var expires int64
	if exp := expiryFor(ttl); !exp.IsZero() {
		expires = exp.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (scope, key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		scope, key, value, expires, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store token %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, scope, key string) (*Token, error) {
	tok := Token{Scope: scope, Key: key}
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM tokens WHERE scope = ? AND key = ?`,
		scope, key).Scan(&tok.Value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s/%s: %w", scope, key, err)
	}
	if expires > 0 {
		tok.ExpiresAt = time.Unix(0, expires)
	}
	if tok.IsExpired() {
		return nil, ErrTokenExpired
	}
	return &tok, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, scope, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE scope = ? AND key = ?`, scope, key); err != nil {
		return fmt.Errorf("delete token %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *SQLiteStore) ClearScope(ctx context.Context, scope string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE scope = ?`, scope)
	if err != nil {
		return 0, fmt.Errorf("clear scope %s: %w", scope, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE expires_at > 0 AND expires_at < ?`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cleanup tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("expired tokens removed")
	}
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
