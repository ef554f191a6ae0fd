// ABOUTME: SQLite context store using modernc.org/sqlite with expiry sweeping
// ABOUTME: Also persists chat and skill status log entries to a chat_log table

package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/skillbot/internal/conversation"
)

// logTimeLayout is fixed width so created_at sorts as text.
const logTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store and conversation.LogSink using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts options

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSQLiteStore opens or creates the database at path. The schema is created
// if it doesn't exist and parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := applyOptions("memory", opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
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
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		opts: o,
		done: make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.wg.Add(1)
	go s.sweep()

	o.logger.Info("SQLite context store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contexts (
			memory_id  TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			expires_at INTEGER,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contexts_expires ON contexts(expires_at);

		CREATE TABLE IF NOT EXISTS chat_log (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			skill      TEXT,
			status     TEXT,
			confirming TEXT,
			who        TEXT,
			message    TEXT,
			created_at TEXT NOT NULL,

			CHECK (kind IN ('skill_status', 'chat'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_log_user ON chat_log(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get implements Store. Rows past their expiry are treated as absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*conversation.Context, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM contexts WHERE memory_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, time.Now().UnixMilli(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}
	return conversation.Unmarshal([]byte(data))
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, id string, c *conversation.Context, ttl time.Duration) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	now := time.Now()
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).UnixMilli(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (memory_id, data, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, id, string(data), expiresAt, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing context: %w", err)
	}
	return nil
}

// Del implements Store.
func (s *SQLiteStore) Del(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	return nil
}

// SaveLogEntry implements conversation.LogSink.
func (s *SQLiteStore) SaveLogEntry(ctx context.Context, e *conversation.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_log (id, kind, user_id, skill, status, confirming, who, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.UserID, e.Skill, e.Status, e.Confirming, e.Who, e.Message,
		e.CreatedAt.UTC().Format(logTimeLayout))
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns the newest log entries for userID, newest first.
func (s *SQLiteStore) ListLogEntries(ctx context.Context, userID string, limit int) ([]*conversation.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, user_id, COALESCE(skill, ''), COALESCE(status, ''), COALESCE(confirming, ''),
		       COALESCE(who, ''), COALESCE(message, ''), created_at
		FROM chat_log
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	var entries []*conversation.LogEntry
	for rows.Next() {
		var e conversation.LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.UserID, &e.Skill, &e.Status, &e.Confirming, &e.Who, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(logTimeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// sweep purges expired contexts until Close.
func (s *SQLiteStore) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.purgeExpired(context.Background()); err != nil {
				s.opts.logger.Error("failed to purge expired contexts", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// purgeExpired deletes expired rows, reporting each to the expire hook.
func (s *SQLiteStore) purgeExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, data FROM contexts WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return fmt.Errorf("querying expired contexts: %w", err)
	}
	type expired struct {
		id   string
		data string
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.data); err != nil {
			rows.Close()
			return fmt.Errorf("scanning expired context: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range found {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM contexts WHERE memory_id = ? AND expires_at IS NOT NULL AND expires_at <= ?`, e.id, now)
		if err != nil {
			return fmt.Errorf("deleting expired context: %w", err)
		}
		// A concurrent Put may have refreshed the row in between.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		s.opts.logger.Debug("context expired", "memory_id", e.id)
		if s.opts.onExpire == nil {
			continue
		}
		c, err := conversation.Unmarshal([]byte(e.data))
		if err != nil {
			s.opts.logger.Warn("expired context is unreadable", "memory_id", e.id, "error", err)
			continue
		}
		s.opts.onExpire(e.id, c)
	}
	return nil
}

// Close stops the sweeper and closes the database connection.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.opts.logger.Info("closing SQLite context store")
		err = s.db.Close()
	})
	return err
}
