// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/chatlink/lib/keyedmutex"
)

// InitFunc prepares transaction-local data.
type InitFunc[D any] func(ctx context.Context) (D, error)

// BodyFunc performs the transaction's work.
type BodyFunc[D, R any] func(ctx context.Context, data D) (R, error)

// RollbackFunc undoes what body may have done with data.
type RollbackFunc[D any] func(ctx context.Context, data D) error

// InitError reports that a transaction's init phase failed. Err is the
// init function's error.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return "transaction init: " + e.Err.Error()
}

func (e *InitError) Unwrap() error { return e.Err }

// Coordinator owns the keyed locks that transactions acquire. A single
// Coordinator must be shared by every transaction that touches the
// same resources.
type Coordinator struct {
	locks  *keyedmutex.Mutex
	logger *slog.Logger
}

// NewCoordinator returns a Coordinator. A nil logger discards rollback
// failures.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		locks:  keyedmutex.New(),
		logger: logger,
	}
}

// Locks exposes the underlying keyed mutex, mainly so tests can assert
// that every lock has drained.
func (c *Coordinator) Locks() *keyedmutex.Mutex { return c.locks }

// Do runs fn under keys with no init or rollback phase.
func (c *Coordinator) Do(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, c, keys, nil,
		func(ctx context.Context, _ struct{}) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
		nil,
	)
	return err
}

// Run executes a transaction over keys. init and rollback may be nil;
// body may not.
func Run[D, R any](
	ctx context.Context,
	coordinator *Coordinator,
	keys []string,
	init InitFunc[D],
	body BodyFunc[D, R],
	rollback RollbackFunc[D],
) (R, error) {
	ordered := SortKeys(keys)

	unlocks := make([]keyedmutex.UnlockFunc, 0, len(ordered))
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()
	for _, key := range ordered {
		unlocks = append(unlocks, coordinator.locks.Acquire(key))
	}

	var zero R
	var data D
	if init != nil {
		var err error
		data, err = init(ctx)
		if err != nil {
			return zero, &InitError{Err: err}
		}
	}

	result, err := body(ctx, data)
	if err != nil {
		if rollback != nil {
			if rollbackErr := rollback(ctx, data); rollbackErr != nil {
				coordinator.logger.Error("transaction rollback failed",
					"keys", ordered,
					"error", rollbackErr,
					"cause", err,
				)
			}
		}
		return zero, err
	}
	return result, nil
}

// SortKeys returns the distinct keys in acquisition order. The input
// slice is not modified.
func SortKeys(keys []string) []string {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	return slices.Compact(ordered)
}
