// Package capture records raw websocket frames to SQLite and replays them through a
// fresh reassembly engine. It exists to debug stream reassembly, not to keep history.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

type Frame struct {
	ConnectionID string
	Seq          int64
	Direction    Direction
	AtMs         int64
	Payload      []byte
}

type ConnectionSummary struct {
	ConnectionID string
	FirstAtMs    int64
	LastAtMs     int64
	Inbound      int
	Outbound     int
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite capture store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a go-sqlite3 DSN for path with WAL and a busy timeout.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite capture store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS capture_frames (
		  connection_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  direction TEXT NOT NULL,
		  at_ms INTEGER NOT NULL,
		  payload BLOB NOT NULL,
		  PRIMARY KEY (connection_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS capture_frames_by_time
		  ON capture_frames(at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite capture store: migrate")
		}
	}
	return nil
}

// Append stores f and returns the sequence number assigned to it. Sequence numbers are
// per connection and start at 1.
func (s *SQLiteStore) Append(ctx context.Context, f Frame) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite capture store: db is nil")
	}
	f.ConnectionID = strings.TrimSpace(f.ConnectionID)
	if f.ConnectionID == "" {
		return 0, errors.New("sqlite capture store: connection id is empty")
	}
	if f.Direction != Inbound && f.Direction != Outbound {
		return 0, errors.Errorf("sqlite capture store: invalid direction %q", f.Direction)
	}
	if f.AtMs == 0 {
		f.AtMs = time.Now().UnixMilli()
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO capture_frames (connection_id, seq, direction, at_ms, payload)
		VALUES (
			?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM capture_frames WHERE connection_id = ?),
			?, ?, ?
		)
		RETURNING seq
	`, f.ConnectionID, f.ConnectionID, string(f.Direction), f.AtMs, f.Payload).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite capture store: append frame")
	}
	return seq, nil
}

// RecordFrame appends a frame and logs failures. Frames without a connection id are
// skipped.
func (s *SQLiteStore) RecordFrame(connectionID string, inbound bool, payload []byte) {
	if connectionID == "" {
		return
	}
	dir := Outbound
	if inbound {
		dir = Inbound
	}
	buf := append([]byte(nil), payload...)
	if _, err := s.Append(context.Background(), Frame{ConnectionID: connectionID, Direction: dir, Payload: buf}); err != nil {
		log.Warn().Err(err).Str("component", "capture").Str("connection_id", connectionID).Msg("failed to record frame")
	}
}

// Frames returns every frame of one connection in sequence order.
func (s *SQLiteStore) Frames(ctx context.Context, connectionID string) ([]Frame, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite capture store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, seq, direction, at_ms, payload
		FROM capture_frames
		WHERE connection_id = ?
		ORDER BY seq ASC
	`, connectionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: list frames")
	}
	defer func() { _ = rows.Close() }()

	var out []Frame
	for rows.Next() {
		var (
			f   Frame
			dir string
		)
		if err := rows.Scan(&f.ConnectionID, &f.Seq, &dir, &f.AtMs, &f.Payload); err != nil {
			return nil, errors.Wrap(err, "sqlite capture store: scan frame")
		}
		f.Direction = Direction(dir)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: iterate frames")
	}
	return out, nil
}

// ListConnections returns recorded connections, most recent first.
func (s *SQLiteStore) ListConnections(ctx context.Context, limit int) ([]ConnectionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite capture store: db is nil")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, MIN(at_ms), MAX(at_ms),
		       SUM(CASE WHEN direction = 'in' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN direction = 'out' THEN 1 ELSE 0 END)
		FROM capture_frames
		GROUP BY connection_id
		ORDER BY MAX(at_ms) DESC, connection_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: list connections")
	}
	defer func() { _ = rows.Close() }()

	out := make([]ConnectionSummary, 0, limit)
	for rows.Next() {
		var c ConnectionSummary
		if err := rows.Scan(&c.ConnectionID, &c.FirstAtMs, &c.LastAtMs, &c.Inbound, &c.Outbound); err != nil {
			return nil, errors.Wrap(err, "sqlite capture store: scan connection")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite capture store: iterate connections")
	}
	return out, nil
}
