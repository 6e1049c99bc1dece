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

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/Derrick-xn/whisper-base-q8-rn/internal/stt"
	_ "modernc.org/sqlite"
)

// Entry is one recorded transcription request.
type Entry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	InputKind  string    `json:"input_kind,omitempty"`
	Samples    int       `json:"samples"`
	DurationMS int64     `json:"duration_ms"`
	RMS        float64   `json:"rms"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query filters List. An empty SessionID matches every session.
type Query struct {
	SessionID string
	Limit     int
}

// Store keeps transcription history in SQLite. In ephemeral mode nothing is
// written and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In session mode history
// from previous runs is cleared.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM transcriptions`); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session history: %w", err)
		}
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
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    session_id TEXT,
    source TEXT,
    input_kind TEXT,
    samples INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    rms REAL NOT NULL DEFAULT 0,
    text TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    error_code TEXT,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_session_created ON transcriptions(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transcriptions_created ON transcriptions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
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

// Enabled reports whether the store persists anything. A nil store is
// disabled.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// RecordTranscription appends one finished request.
func (s *Store) RecordTranscription(ctx context.Context, rec stt.Record) error {
	if !s.Enabled() {
		return nil
	}
	if rec.RequestID == "" {
		return errors.New("record without request id")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	text := rec.Text
	if !s.cfg.StoreText {
		text = ""
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(request_id, session_id, source, input_kind, samples, duration_ms, rms, text, confidence, error_code, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.Source, rec.InputKind, rec.Samples,
		rec.Duration.Milliseconds(), rec.RMS, text, rec.Confidence, rec.ErrorCode,
		rec.Latency.Milliseconds(), created.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	return nil
}

// List returns up to q.Limit entries, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, request_id, session_id, source, input_kind, samples, duration_ms, rms, text, confidence, error_code, latency_ms, created_at
		 FROM transcriptions`
	args := []any{}
	if q.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, q.SessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sessionID, source, kind, text, errorCode sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.RequestID, &sessionID, &source, &kind, &e.Samples, &e.DurationMS,
			&e.RMS, &text, &e.Confidence, &errorCode, &e.LatencyMS, &created); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.Source = source.String
		e.InputKind = kind.String
		e.Text = text.String
		e.ErrorCode = errorCode.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention_days and max_records. It runs on open and from
// RunPruner.
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE created_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE id IN (
			SELECT id FROM transcriptions ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner calls Prune every interval until ctx ends.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

var _ stt.Recorder = (*Store)(nil)
