// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by chatlink tests.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the select
// with a wall-clock safety valve so a broken test fails instead of
// hanging. They are the only place tests wait on real time; timers
// under test come from lib/clock's fake.
//
// [UniqueID] hands out distinct identifiers (peer ids, message ids)
// without consulting the clock.
//
// Helpers call t.Fatalf on failure.
package testutil
