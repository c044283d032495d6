// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transaction runs units of work under a set of keyed locks.
//
// [Run] deduplicates the keys, sorts them lexicographically, and
// acquires them one by one from the [Coordinator]'s keyed mutex before
// running the work. Every caller acquires in the same global order, so
// two transactions whose key sets overlap can never each hold a key the
// other is waiting for. Transactions over disjoint key sets proceed in
// parallel.
//
// A transaction has three phases:
//
//   - init materializes transaction-local data. If it fails, Run
//     returns an [*InitError] and no rollback runs.
//   - body does the work with that data and produces the result.
//   - rollback runs only when body fails. Its own failure is logged and
//     the body's error is returned unchanged.
//
// All acquired locks are released before Run returns, on every path,
// including a panicking body.
package transaction
