// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tmbx/kwm/lib/blob"
)

// PutBlob stores data under name, replacing any previous value.
func (s *Store) PutBlob(ctx context.Context, name string, data []byte) error {
	frame, err := blob.Pack(data, blob.Zstd)
	if err != nil {
		return fmt.Errorf("eventstore: packing blob %q: %w", name, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: put blob: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO blobs (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{name, frame, s.clock.Now().UnixMilli()}})
	if err != nil {
		return fmt.Errorf("eventstore: writing blob %q: %w", name, err)
	}
	return nil
}

// GetBlob returns the blob stored under name. ok is false when there is
// none.
func (s *Store) GetBlob(ctx context.Context, name string) (data []byte, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: get blob: %w", err)
	}
	defer s.pool.Put(conn)

	var frame []byte
	err = sqlitex.Execute(conn, `SELECT data FROM blobs WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				frame = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, frame)
				ok = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: reading blob %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	data, err = blob.Unpack(frame)
	if err != nil {
		return nil, false, fmt.Errorf("eventstore: blob %q: %w", name, err)
	}
	return data, true, nil
}

// BlobNames returns the names of all blobs starting with prefix, in
// ascending order.
func (s *Store) BlobNames(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list blobs: %w", err)
	}
	defer s.pool.Put(conn)

	var names []string
	err = sqlitex.Execute(conn, `SELECT name FROM blobs ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name := stmt.ColumnText(0)
				if strings.HasPrefix(name, prefix) {
					names = append(names, name)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: listing blobs: %w", err)
	}
	return names, nil
}

// SetSessionName records the display name of a session.
func (s *Store) SetSessionName(ctx context.Context, sessionID uint64, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: set session name: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO session_names (session_id, name) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET name = excluded.name`,
		&sqlitex.ExecOptions{Args: []any{int64(sessionID), name}})
	if err != nil {
		return fmt.Errorf("eventstore: naming session %d: %w", sessionID, err)
	}
	return nil
}

// SessionNames returns the session-ID to name index.
func (s *Store) SessionNames(ctx context.Context) (map[uint64]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: session names: %w", err)
	}
	defer s.pool.Put(conn)

	names := make(map[uint64]string)
	err = sqlitex.Execute(conn, `SELECT session_id, name FROM session_names`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names[uint64(stmt.ColumnInt64(0))] = stmt.ColumnText(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("eventstore: reading session names: %w", err)
	}
	return names, nil
}

// DeleteSession removes the session's events, its name and the blob
// stored under snapshotName, atomically.
func (s *Store) DeleteSession(ctx context.Context, sessionID uint64, snapshotName string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: delete session: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("eventstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	statements := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM events WHERE session_id = ?`, int64(sessionID)},
		{`DELETE FROM session_names WHERE session_id = ?`, int64(sessionID)},
		{`DELETE FROM blobs WHERE name = ?`, snapshotName},
	}
	for _, statement := range statements {
		if err = sqlitex.Execute(conn, statement.query,
			&sqlitex.ExecOptions{Args: []any{statement.arg}}); err != nil {
			return fmt.Errorf("eventstore: deleting session %d: %w", sessionID, err)
		}
	}
	return nil
}
