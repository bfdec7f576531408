// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tmbx/kwm/lib/blob"
	"github.com/tmbx/kwm/lib/clock"
	"github.com/tmbx/kwm/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	session_id  INTEGER NOT NULL,
	event_id    INTEGER NOT NULL,
	type        INTEGER NOT NULL,
	date        INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	payload     BLOB    NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, event_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS events_unprocessed
	ON events (session_id, event_id) WHERE processed = 0;

CREATE TABLE IF NOT EXISTS blobs (
	name       TEXT    PRIMARY KEY,
	data       BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_names (
	session_id INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL
);
`

// ErrDuplicate is returned by InsertEvent when the session already has
// an event with that ID.
var ErrDuplicate = errors.New("eventstore: duplicate event")

// Status is the processing state of a stored event.
type Status int

const (
	Unprocessed Status = 0
	Processed   Status = 1
)

func (s Status) String() string {
	if s == Processed {
		return "processed"
	}
	return "unprocessed"
}

// Event is one entry of a session's ordered event log.
type Event struct {
	SessionID uint64
	ID        uint64
	Type      uint32
	Date      time.Time
	Payload   []byte
	Status    Status
}

// Store is the SQLite-backed event store.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a store.
type StoreConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Clock stamps received_at and updated_at. Required.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// OpenStore opens (creating if needed) the store at cfg.Path.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("eventstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("eventstore: Logger is required")
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		Synchronous: sqlitepool.SynchronousFull,
		Logger:      cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// InsertEvent appends an Unprocessed event. The event's Status field is
// ignored.
func (s *Store) InsertEvent(ctx context.Context, event Event) (err error) {
	frame, err := blob.Pack(event.Payload, blob.LZ4)
	if err != nil {
		return fmt.Errorf("eventstore: packing event %d: %w", event.ID, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: insert event: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	exists := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM events WHERE session_id = ? AND event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(event.SessionID), int64(event.ID)},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("eventstore: checking event %d: %w", event.ID, err)
	}
	if exists {
		return fmt.Errorf("%w: session %d event %d", ErrDuplicate, event.SessionID, event.ID)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO events (session_id, event_id, type, date, received_at, payload, processed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(event.SessionID),
				int64(event.ID),
				int64(event.Type),
				event.Date.Unix(),
				s.clock.Now().UnixMilli(),
				frame,
			},
		})
	if err != nil {
		return fmt.Errorf("eventstore: inserting event %d: %w", event.ID, err)
	}
	return nil
}

// MarkProcessed flips an event to Processed. Marking an unknown event
// is an error.
func (s *Store) MarkProcessed(ctx context.Context, sessionID, eventID uint64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: mark processed: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE events SET processed = 1 WHERE session_id = ? AND event_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(sessionID), int64(eventID)}})
	if err != nil {
		return fmt.Errorf("eventstore: marking event %d processed: %w", eventID, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("eventstore: session %d has no event %d", sessionID, eventID)
	}
	return nil
}

// FirstUnprocessed returns the lowest-ID Unprocessed event of the
// session. ok is false when there is none.
func (s *Store) FirstUnprocessed(ctx context.Context, sessionID uint64) (event Event, ok bool, err error) {
	events, err := s.queryEvents(ctx,
		`SELECT session_id, event_id, type, date, payload, processed FROM events
		 WHERE session_id = ? AND processed = 0 ORDER BY event_id LIMIT 1`,
		int64(sessionID))
	if err != nil || len(events) == 0 {
		return Event{}, false, err
	}
	return events[0], true, nil
}

// LastEvent returns the highest-ID event of the session regardless of
// status.
func (s *Store) LastEvent(ctx context.Context, sessionID uint64) (event Event, ok bool, err error) {
	events, err := s.queryEvents(ctx,
		`SELECT session_id, event_id, type, date, payload, processed FROM events
		 WHERE session_id = ? ORDER BY event_id DESC LIMIT 1`,
		int64(sessionID))
	if err != nil || len(events) == 0 {
		return Event{}, false, err
	}
	return events[0], true, nil
}

// CountUnprocessed returns the number of Unprocessed events of the
// session.
func (s *Store) CountUnprocessed(ctx context.Context, sessionID uint64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("eventstore: count unprocessed: %w", err)
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		`SELECT count(*) FROM events WHERE session_id = ? AND processed = 0`,
		&sqlitex.ExecOptions{
			Args: []any{int64(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("eventstore: counting unprocessed events: %w", err)
	}
	return count, nil
}

// DeleteEvents removes every event of the session.
func (s *Store) DeleteEvents(ctx context.Context, sessionID uint64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: delete events: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM events WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(sessionID)}})
	if err != nil {
		return fmt.Errorf("eventstore: deleting events of session %d: %w", sessionID, err)
	}
	s.logger.Info("deleted cached events", "session_id", sessionID, "count", conn.Changes())
	return nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query events: %w", err)
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			event, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, event)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: query events: %w", err)
	}
	return events, nil
}

// scanEvent reads the columns session_id, event_id, type, date,
// payload, processed.
func scanEvent(stmt *sqlite.Stmt) (Event, error) {
	event := Event{
		SessionID: uint64(stmt.ColumnInt64(0)),
		ID:        uint64(stmt.ColumnInt64(1)),
		Type:      uint32(stmt.ColumnInt64(2)),
		Date:      time.Unix(stmt.ColumnInt64(3), 0).UTC(),
		Status:    Status(stmt.ColumnInt(5)),
	}

	frame := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, frame)
	payload, err := blob.Unpack(frame)
	if err != nil {
		return Event{}, fmt.Errorf("session %d event %d: %w", event.SessionID, event.ID, err)
	}
	event.Payload = payload
	return event, nil
}
