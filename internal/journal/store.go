package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"nodekeeper/internal/config"
	"nodekeeper/internal/notify"
)

const firstStartKey = "first_start"

// Store manages journal persistence backed by SQLite.
type Store struct {
	db        *sql.DB
	path      string
	retention int
}

// Session is the recorded outcome of one node run.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    int       `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Query filters History results.
type Query struct {
	// Limit caps the number of returned notifications (most recent first
	// selected, returned oldest first). Zero means 100.
	Limit   int
	Session string
}

var _ notify.Sink = (*Store)(nil)

// Open initializes or connects to the journal database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := cfg.JournalPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, retention: cfg.Notifications.HistoryRetention}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends a notification and trims history beyond the retention count.
func (s *Store) Record(n notify.Notification) error {
	ctx := context.Background()
	ts := n.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (seq, session_id, message, created_at) VALUES (?, ?, ?, ?)`,
		int64(n.Seq),
		nullableString(n.Session),
		n.Message,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if s.retention <= 0 {
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id <= ?`, id-int64(s.retention)); err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	return nil
}

// History returns recorded notifications, oldest first.
func (s *Store) History(ctx context.Context, q Query) ([]notify.Notification, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, session_id, message, created_at FROM notifications`
	args := []any{}
	if q.Session != "" {
		query += ` WHERE session_id = ?`
		args = append(args, q.Session)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var (
			seq     int64
			session sql.NullString
			message string
			created string
		)
		if err := rows.Scan(&seq, &session, &message, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse notification time: %w", err)
		}
		out = append(out, notify.Notification{
			Seq:     uint64(seq),
			Time:    ts,
			Session: session.String,
			Message: message,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecordSession stores the outcome of a finished node run.
func (s *Store) RecordSession(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("session id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, ended_at, status, error) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ended_at = excluded.ended_at, status = excluded.status, error = excluded.error`,
		session.ID,
		session.StartedAt.UTC().Format(time.RFC3339Nano),
		session.EndedAt.UTC().Format(time.RFC3339Nano),
		session.Status,
		nullableString(session.Error),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Sessions returns the most recent node runs, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, status, error FROM sessions ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess           Session
			started, ended string
			errText        sql.NullString
		)
		if err := rows.Scan(&sess.ID, &started, &ended, &sess.Status, &errText); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse session start: %w", err)
		}
		if sess.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("parse session end: %w", err)
		}
		sess.Error = errText.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FirstStart reports whether the daemon has never completed boot provisioning.
func (s *Store) FirstStart(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, firstStartKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read first start flag: %w", err)
	}
	return value != "false", nil
}

// MarkStarted clears the first-start flag.
func (s *Store) MarkStarted(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, 'false')
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, firstStartKey)
	if err != nil {
		return fmt.Errorf("clear first start flag: %w", err)
	}
	return nil
}

// ResetFirstStart forces the next boot to provision from scratch.
func (s *Store) ResetFirstStart(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, firstStartKey); err != nil {
		return fmt.Errorf("reset first start flag: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
