// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists token records, sessions, and pending exchanges with schema bootstrap

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. sealer may be nil, in which
// case cached tokens are stored unencrypted.
func NewSQLiteStore(path string, sealer *Sealer) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		sealer: sealer,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "sealed", sealer != nil)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS token_records (
			connection_name TEXT NOT NULL,
			user_key        TEXT NOT NULL,
			token_sealed    BLOB NOT NULL,
			expires_at      TEXT,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (connection_name, user_key)
		);

		CREATE INDEX IF NOT EXISTS idx_token_records_expires
			ON token_records(expires_at);

		CREATE TABLE IF NOT EXISTS sessions (
			conversation_key TEXT PRIMARY KEY,
			thread_id        TEXT NOT NULL,
			subject_id       TEXT NOT NULL,
			display_name     TEXT,
			tenant_id        TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_subject
			ON sessions(subject_id);

		CREATE TABLE IF NOT EXISTS pending_exchanges (
			conversation_key TEXT PRIMARY KEY,
			state_token      TEXT NOT NULL,
			issued_at        TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_pending_exchanges_expires
			ON pending_exchanges(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Migration: pending_exchanges.attempts was added after the initial
	// schema. SQLite doesn't support ADD COLUMN IF NOT EXISTS, so check.
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('pending_exchanges') WHERE name = 'attempts'`).Scan(&exists)
	if err != nil {
		if _, err := s.db.Exec(`ALTER TABLE pending_exchanges ADD COLUMN attempts INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("adding attempts column to pending_exchanges: %w", err)
		}
		s.logger.Info("applied migration", "column", "attempts", "table", "pending_exchanges")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// PutToken writes a token record, replacing any previous record for the
// same (connection_name, user_key).
func (s *SQLiteStore) PutToken(ctx context.Context, rec *TokenRecord) error {
	sealed, err := s.sealer.Seal([]byte(rec.Token))
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}

	query := `
		INSERT INTO token_records (connection_name, user_key, token_sealed, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (connection_name, user_key) DO UPDATE SET
			token_sealed = excluded.token_sealed,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ConnectionName,
		rec.UserKey,
		sealed,
		formatTimeNull(rec.ExpiresAt),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting token record: %w", err)
	}

	s.logger.Debug("stored token record", "connection", rec.ConnectionName, "user_key", rec.UserKey)
	return nil
}

// GetToken retrieves the live token record for a key.
// Expired records are deleted on read and reported as ErrNotFound.
func (s *SQLiteStore) GetToken(ctx context.Context, connectionName, userKey string) (*TokenRecord, error) {
	query := `
		SELECT token_sealed, expires_at, updated_at
		FROM token_records
		WHERE connection_name = ? AND user_key = ?
	`

	var sealed []byte
	var expiresAtStr sql.NullString
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, connectionName, userKey).Scan(
		&sealed,
		&expiresAtStr,
		&updatedAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token record: %w", err)
	}

	rec := &TokenRecord{
		ConnectionName: connectionName,
		UserKey:        userKey,
	}

	rec.ExpiresAt, err = parseTimeNull(expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if rec.Expired(time.Now()) {
		// Lazy cleanup: an expired record is already invalidated.
		if derr := s.DeleteToken(ctx, connectionName, userKey); derr != nil {
			s.logger.Warn("deleting expired token record", "error", derr)
		}
		return nil, ErrNotFound
	}

	plaintext, err := s.sealer.Open(sealed)
	if err != nil {
		// A seal key change leaves records unreadable. Treat them as gone
		// so the user is simply asked to sign in again.
		s.logger.Warn("cannot open sealed token, dropping record",
			"connection", connectionName, "user_key", userKey)
		if derr := s.DeleteToken(ctx, connectionName, userKey); derr != nil {
			s.logger.Warn("deleting unreadable token record", "error", derr)
		}
		return nil, ErrNotFound
	}
	rec.Token = string(plaintext)

	return rec, nil
}

// DeleteToken removes a token record. Deleting a missing record is not an
// error: invalidation is idempotent.
func (s *SQLiteStore) DeleteToken(ctx context.Context, connectionName, userKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM token_records WHERE connection_name = ? AND user_key = ?`,
		connectionName, userKey,
	)
	if err != nil {
		return fmt.Errorf("deleting token record: %w", err)
	}
	return nil
}

// PutSession writes a session, replacing any previous session for the
// conversation.
func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (conversation_key, thread_id, subject_id, display_name, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_key) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject_id = excluded.subject_id,
			display_name = excluded.display_name,
			tenant_id = excluded.tenant_id,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ConversationKey,
		session.ThreadID,
		session.SubjectID,
		session.DisplayName,
		session.TenantID,
		session.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("stored session", "conversation_key", session.ConversationKey, "thread_id", session.ThreadID)
	return nil
}

// GetSession retrieves the session for a conversation.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationKey string) (*Session, error) {
	query := `
		SELECT thread_id, subject_id, display_name, tenant_id, created_at
		FROM sessions
		WHERE conversation_key = ?
	`

	session := &Session{ConversationKey: conversationKey}
	var displayName, tenantID sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, conversationKey).Scan(
		&session.ThreadID,
		&session.SubjectID,
		&displayName,
		&tenantID,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.DisplayName = displayName.String
	session.TenantID = tenantID.String
	session.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return session, nil
}

// DeleteSession removes a session. Idempotent.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_key = ?`,
		conversationKey,
	)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PutPendingExchange writes a pending exchange, replacing any previous one
// for the conversation.
func (s *SQLiteStore) PutPendingExchange(ctx context.Context, pending *PendingExchange) error {
	query := `
		INSERT INTO pending_exchanges (conversation_key, state_token, issued_at, expires_at, attempts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_key) DO UPDATE SET
			state_token = excluded.state_token,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			attempts = excluded.attempts
	`

	_, err := s.db.ExecContext(ctx, query,
		pending.ConversationKey,
		pending.StateToken,
		pending.IssuedAt.UTC().Format(time.RFC3339),
		pending.ExpiresAt.UTC().Format(time.RFC3339),
		pending.Attempts,
	)
	if err != nil {
		return fmt.Errorf("inserting pending exchange: %w", err)
	}

	s.logger.Debug("stored pending exchange", "conversation_key", pending.ConversationKey, "attempts", pending.Attempts)
	return nil
}

// GetPendingExchange retrieves the pending exchange for a conversation
// without consuming it. Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetPendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error) {
	return s.getPendingExchange(ctx, s.db.QueryRowContext, conversationKey)
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func (s *SQLiteStore) getPendingExchange(ctx context.Context, queryRow rowQuerier, conversationKey string) (*PendingExchange, error) {
	query := `
		SELECT state_token, issued_at, expires_at, attempts
		FROM pending_exchanges
		WHERE conversation_key = ?
	`

	pending := &PendingExchange{ConversationKey: conversationKey}
	var issuedAtStr, expiresAtStr string

	err := queryRow(ctx, query, conversationKey).Scan(
		&pending.StateToken,
		&issuedAtStr,
		&expiresAtStr,
		&pending.Attempts,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending exchange: %w", err)
	}

	pending.IssuedAt, err = time.Parse(time.RFC3339, issuedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	pending.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return pending, nil
}

// ConsumePendingExchange atomically fetches and deletes the pending
// exchange so a state token can only ever be checked once.
func (s *SQLiteStore) ConsumePendingExchange(ctx context.Context, conversationKey string) (*PendingExchange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	pending, err := s.getPendingExchange(ctx, tx.QueryRowContext, conversationKey)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_exchanges WHERE conversation_key = ?`,
		conversationKey,
	); err != nil {
		return nil, fmt.Errorf("deleting pending exchange: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("consumed pending exchange", "conversation_key", conversationKey)
	return pending, nil
}

// DeletePendingExchange removes a pending exchange. Idempotent.
func (s *SQLiteStore) DeletePendingExchange(ctx context.Context, conversationKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_exchanges WHERE conversation_key = ?`,
		conversationKey,
	)
	if err != nil {
		return fmt.Errorf("deleting pending exchange: %w", err)
	}
	return nil
}

// formatTimeNull renders a time as RFC3339, or NULL for the zero value.
func formatTimeNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTimeNull parses an RFC3339 column that may be NULL.
func parseTimeNull(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s.String)
}
