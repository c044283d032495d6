// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind chatlink's
// message history.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas
// and a forward-only migration list tracked in PRAGMA user_version.
// Callers write SQL directly; there is no query builder.
//
// Every connection gets:
//
//   - journal_mode=WAL so the chat loop can read history while a
//     session writes incoming messages.
//   - synchronous=NORMAL: commits survive a process crash.
//   - busy_timeout=5000 to wait out a concurrent writer.
//   - foreign_keys=ON.
//   - a 4 MB page cache and in-memory temp storage.
//
// Multi-statement writes go through [Pool.Transact], which wraps the
// callback in a savepoint:
//
//	err := pool.Transact(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "UPDATE ...", &sqlitex.ExecOptions{Args: args})
//	})
package sqlitepool
