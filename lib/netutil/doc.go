// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies errors that occur during normal socket
// teardown so read loops can tell a hang-up from a failure.
package netutil
