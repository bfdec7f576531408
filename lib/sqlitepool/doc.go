// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the kwm
// event store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies one set of
// pragmas to every connection: WAL journaling (readers never block the
// single writer), a busy timeout instead of immediate SQLITE_BUSY, an
// in-memory temp store and a bounded page cache. The synchronous level
// is configurable: the event store asks for FULL because an event
// acknowledged to the state machine must survive power loss, while
// scratch databases in tests can use the cheaper NORMAL.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:      filepath.Join(stateDir, "kwm.db"),
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	conn, err := pool.Take(ctx)
//	defer pool.Put(conn)
//
// The package does not hide SQLite: callers write SQL and manage their
// own transactions with sqlitex.ImmediateTransaction.
package sqlitepool
