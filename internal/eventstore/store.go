package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-assess/internal/config"
	_ "modernc.org/sqlite"
)

// Record kinds.
const (
	KindStarted  = "request.started"
	KindStopped  = "request.stopped"
	KindReport   = "report"
	KindFallback = "fallback"
)

// Session is the latest request seen for a caller session.
type Session struct {
	SessionID     string
	RequestID     string
	Mode          string
	ReferenceText string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Record is one entry of a session's assessment history.
type Record struct {
	ID        int64
	SessionID string
	RequestID string
	TraceID   string
	Kind      string
	Payload   []byte
	// Score is the pronunciation score of report records.
	Score     sql.NullFloat64
	CreatedAt time.Time
}

// Store wraps a SQLite-backed assessment history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. The ephemeral
// retention mode yields a store that keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    mode TEXT,
    reference_text TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    trace_id TEXT,
    kind TEXT NOT NULL,
    payload BLOB,
    score REAL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_records_session_created ON records(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether records are kept.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// OpenSession records the session's current request, creating the session
// row on first use.
func (s *Store) OpenSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	now := s.clock().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, request_id, mode, reference_text, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   request_id=excluded.request_id,
		   mode=excluded.mode,
		   reference_text=excluded.reference_text,
		   updated_at=excluded.updated_at`,
		sess.SessionID, sess.RequestID, sess.Mode, sess.ReferenceText, now, now)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// AppendRecord writes a record. The session row must exist.
func (s *Store) AppendRecord(ctx context.Context, rec Record) error {
	if !s.Enabled() {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records(session_id, request_id, trace_id, kind, payload, score, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.RequestID, rec.TraceID, rec.Kind, rec.Payload, rec.Score, rec.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append %s record: %w", rec.Kind, err)
	}
	return nil
}

// ListSessionRecords retrieves up to limit records for a session in the
// order they were written.
func (s *Store) ListSessionRecords(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, trace_id, kind, payload, score, created_at
		 FROM records WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestReport returns the most recent report or fallback record of a
// session. It reports false when there is none.
func (s *Store) LatestReport(ctx context.Context, sessionID string) (Record, bool, error) {
	if !s.Enabled() {
		return Record{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, request_id, trace_id, kind, payload, score, created_at
		 FROM records WHERE session_id = ? AND kind IN (?, ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID, KindReport, KindFallback)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ListSessions returns up to limit sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, request_id, mode, reference_text, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var mode, ref sql.NullString
		var created, updated int64
		if err := rows.Scan(&sess.SessionID, &sess.RequestID, &mode, &ref, &created, &updated); err != nil {
			return nil, err
		}
		sess.Mode = mode.String
		sess.ReferenceText = ref.String
		sess.CreatedAt = time.UnixMilli(created).UTC()
		sess.UpdatedAt = time.UnixMilli(updated).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var trace sql.NullString
	var created int64
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.RequestID, &trace, &rec.Kind, &rec.Payload, &rec.Score, &created); err != nil {
		return Record{}, err
	}
	rec.TraceID = trace.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteSession drops a session and its records. Under the session
// retention mode the assessor calls it when a request is replaced, so only
// the newest request of every session is kept.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// RetentionMode returns the configured retention mode.
func (s *Store) RetentionMode() string {
	if s == nil {
		return "ephemeral"
	}
	return s.cfg.RetentionMode
}
