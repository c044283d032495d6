// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peerwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed rejects requests pending when the correlator closes,
	// and every Start after that.
	ErrClosed = errors.New("peer connection closed")

	// ErrMissingID is returned by Start for a frame without an id.
	ErrMissingID = errors.New("correlated frame has no id")

	// ErrDuplicateID is returned by Start when a request with the same
	// id is still pending.
	ErrDuplicateID = errors.New("correlated frame id already pending")
)

// Sender transmits one encoded frame. transport.Channel satisfies it.
type Sender interface {
	Send(data []byte) error
}

// Correlator matches replies to outstanding requests by frame id.
type Correlator struct {
	sender Sender

	mu      sync.Mutex
	pending map[string]*Call
	closed  error
}

// NewCorrelator returns a correlator transmitting through sender.
func NewCorrelator(sender Sender) *Correlator {
	return &Correlator{
		sender:  sender,
		pending: make(map[string]*Call),
	}
}

// Call is one outstanding request.
type Call struct {
	ID string

	owner *Correlator
	done  chan struct{}
	reply Frame
	err   error
}

// Done is closed when the call is resolved, rejected or cancelled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the reply or the rejection. It is only meaningful
// after Done is closed.
func (c *Call) Result() (Frame, error) {
	<-c.done
	return c.reply, c.err
}

// Wait blocks until the reply arrives, the correlator closes, or ctx
// is done. On context expiry the call is withdrawn so a late reply is
// not matched to it.
func (c *Call) Wait(ctx context.Context) (Frame, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		c.owner.finish(c, Frame{}, ctx.Err())
		// A reply may have won the race to finish.
		return c.reply, c.err
	}
}

// Cancel withdraws the call, rejecting it with [context.Canceled] if it
// is still pending.
func (c *Call) Cancel() {
	c.owner.finish(c, Frame{}, context.Canceled)
}

// Start registers a pending entry under frame.ID and transmits the
// frame. The entry is registered before the send so an immediate reply
// is matched.
func (c *Correlator) Start(frame Frame) (*Call, error) {
	if frame.ID == "" {
		return nil, ErrMissingID
	}
	data, err := Encode(frame)
	if err != nil {
		return nil, err
	}

	call := &Call{ID: frame.ID, owner: c, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[frame.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, frame.ID)
	}
	c.pending[frame.ID] = call
	c.mu.Unlock()

	if err := c.sender.Send(data); err != nil {
		sendErr := fmt.Errorf("sending frame %s: %w", frame.ID, err)
		c.finish(call, Frame{}, sendErr)
		return nil, sendErr
	}
	return call, nil
}

// Request is Start followed by Wait.
func (c *Correlator) Request(ctx context.Context, frame Frame) (Frame, error) {
	call, err := c.Start(frame)
	if err != nil {
		return Frame{}, err
	}
	return call.Wait(ctx)
}

// Send transmits a frame without registering a pending entry.
func (c *Correlator) Send(frame Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed != nil {
		return closed
	}
	data, err := Encode(frame)
	if err != nil {
		return err
	}
	if err := c.sender.Send(data); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// Resolve completes the pending entry matching frame.ID with frame as
// the reply. It reports whether an entry matched.
func (c *Correlator) Resolve(frame Frame) bool {
	if frame.ID == "" {
		return false
	}
	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.finish(call, frame, nil)
}

// Close rejects every pending entry and makes later Start and Send
// calls fail. The rejection error wraps [ErrClosed] and, when non-nil,
// cause. Close is idempotent; only the first cause is kept.
func (c *Correlator) Close(cause error) {
	rejection := ErrClosed
	if cause != nil && !errors.Is(cause, ErrClosed) {
		rejection = fmt.Errorf("%w: %w", ErrClosed, cause)
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = rejection
	calls := make([]*Call, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.mu.Unlock()

	for _, call := range calls {
		c.finish(call, Frame{}, rejection)
	}
}

// Pending reports the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// finish removes call from the pending map and completes it. Only the
// first completion takes effect.
func (c *Correlator) finish(call *Call, reply Frame, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pending[call.ID]; !ok || current != call {
		return false
	}
	delete(c.pending, call.ID)
	call.reply = reply
	call.err = err
	close(call.done)
	return true
}
