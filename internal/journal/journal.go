// Package journal records model lifecycle events in SQLite so that operators
// can see what a server did with each model id.
package journal

import (
	"context"
	"database/sql"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/mcules/dstore/internal/model"
)

// MemoryDSN is a private in-memory database. It lives as long as the single
// pooled connection, so the journal does not survive a restart.
const MemoryDSN = ":memory:"

type EventType string

const (
	EventRegistered   EventType = "registered"
	EventLayersStored EventType = "layers_stored"
	EventEvicted      EventType = "evicted"
	EventRetired      EventType = "retired"
)

type Entry struct {
	ID     int64
	At     time.Time
	Type   EventType
	Model  model.ModelID
	Layers int
	Bytes  uint64
	Note   string
}

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open journal")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "migrate journal")
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS model_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  at_unix_ns INTEGER NOT NULL,
  event TEXT NOT NULL,
  model_id INTEGER NOT NULL,
  layers INTEGER NOT NULL DEFAULT 0,
  bytes INTEGER NOT NULL DEFAULT 0,
  note TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS model_events_model ON model_events(model_id, id);
`)
	return err
}

// Record appends e. A zero At is stamped with the current time. Recording on a
// nil Store is a no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// ids use the full uint64 range; stored bit-for-bit as INTEGER
	_, err := s.db.ExecContext(ctx, `
INSERT INTO model_events(at_unix_ns, event, model_id, layers, bytes, note)
VALUES(?, ?, ?, ?, ?, ?);
`, e.At.UnixNano(), string(e.Type), int64(e.Model), e.Layers, int64(e.Bytes), e.Note)
	return err
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return s.query(ctx, `
SELECT id, at_unix_ns, event, model_id, layers, bytes, note
FROM model_events ORDER BY id DESC LIMIT ?;
`, sqlLimit(limit))
}

func (s *Store) ListByModel(ctx context.Context, id model.ModelID, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	return s.query(ctx, `
SELECT id, at_unix_ns, event, model_id, layers, bytes, note
FROM model_events WHERE model_id=? ORDER BY id DESC LIMIT ?;
`, int64(id), sqlLimit(limit))
}

// Counts returns the number of entries per event type.
func (s *Store) Counts(ctx context.Context) (map[EventType]int, error) {
	if s == nil || s.db == nil {
		return map[EventType]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT event, COUNT(*) FROM model_events GROUP BY event;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[EventType]int{}
	for rows.Next() {
		var (
			ev string
			n  int
		)
		if err := rows.Scan(&ev, &n); err != nil {
			return nil, err
		}
		out[EventType(ev)] = n
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			at      int64
			ev      string
			modelID int64
			bytes   int64
		)
		if err := rows.Scan(&e.ID, &at, &ev, &modelID, &e.Layers, &bytes, &e.Note); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Type = EventType(ev)
		e.Model = model.ModelID(modelID)
		e.Bytes = uint64(bytes)
		out = append(out, e)
	}
	return out, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
