// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messagestore keeps chat history in SQLite.
//
// Messages are keyed by (chat id, message id) and indexed by
// (chat id, timestamp) for ordered history reads. Local bookkeeping
// (fromMe, sender, read timestamp, delivery status) lives in typed
// columns; the message body is one CBOR blob encoded by lib/codec, so
// new body kinds do not need a migration.
//
// Store implements the collaborator surface peer sessions consume
// (Add, Get, Update, Delete). A Delete with sync set also notifies the
// peer through the [SyncFunc] installed with [Store.SetSyncer]. Every
// change is published on [Store.Events] so a front end can follow
// history without polling.
package messagestore
