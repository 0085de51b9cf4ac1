// Package aclconn is the connection-handler framework from §4.5, adapted
// to goroutine-per-connection (see SPEC_FULL.md §A): a Slot holds the
// handler currently driving one connection and keeps the
// Active/Released status check that makes the 1 Hz timer and an
// out-of-band shutdown safe to run concurrently with the connection's
// own goroutine.
package aclconn

import (
	"context"
	"sync"
)

// Status mirrors the two handler lifecycle states from §4.5.
type Status int

const (
	Active Status = iota
	Released
)

// Handler is the per-stage state object driving one connection. Every
// concrete stage (protocol detection, SOCKS5 method selection, the HTTP
// initial handler, the data-transfer handler, ...) implements this.
type Handler interface {
	// Name identifies the stage for logging ("protodetect", "socks5", "http", "datatransfer").
	Name() string
	// OnStart runs once when the handler becomes active, including right
	// after a replacement; it drives the handler's own blocking I/O loop
	// and returns only when the handler is done with this connection:
	// after handing over to a successor via Slot.Replace, or after the
	// connection's outcome is settled. Slot.Release is called by the
	// slot's owner, not by the handler.
	OnStart(ctx context.Context)
	// OnTimer is invoked at most once per second while the handler is
	// Active. The stages in internal/acl implement it as a no-op; their
	// timeouts are enforced inside the protocol and relay packages.
	OnTimer()
	// Release shuts down any sockets this handler owns. Called exactly
	// once, either by the handler's own replacement or by the owning
	// Slot/Table on removal.
	Release()
}

// Slot is the single owner of "which handler is currently driving this
// connection". It corresponds to the original design's
// delete-protector/handler_context_holder pairing, collapsed to a mutex
// and a status flag since Go's garbage collector removes the need for
// manual lifetime tracking once a handler becomes unreachable.
type Slot struct {
	mu      sync.Mutex
	status  Status
	handler Handler
}

// NewSlot wraps the connection's first handler in a fresh, Active slot.
func NewSlot(h Handler) *Slot {
	return &Slot{handler: h, status: Active}
}

// Replace performs the safe handler replacement from §4.5: install the
// successor, release the previous handler, then start the successor. A Slot that is
// already Released ignores the call — the caller lost a race with a
// concurrent removal.
func (s *Slot) Replace(ctx context.Context, next Handler) {
	s.mu.Lock()
	if s.status == Released {
		s.mu.Unlock()
		return
	}
	old := s.handler
	s.handler = next
	s.mu.Unlock()

	old.Release()
	next.OnStart(ctx)
}

// Tick invokes the current handler's OnTimer, unless the slot has been
// Released. Safe to call from the ACL manager's global timer goroutine
// concurrently with the connection's own goroutine running inside
// Replace/Release.
func (s *Slot) Tick() {
	s.mu.Lock()
	if s.status != Active {
		s.mu.Unlock()
		return
	}
	h := s.handler
	s.mu.Unlock()
	h.OnTimer()
}

// Release marks the slot Released and releases the current handler.
// Idempotent: a handler that replaces itself with another goroutine, or
// a timer that races a client disconnect, may both call Release, and
// Handler.Release runs exactly once.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.status == Released {
		s.mu.Unlock()
		return
	}
	s.status = Released
	h := s.handler
	s.mu.Unlock()
	h.Release()
}

// Status reports whether the slot has been released.
func (s *Slot) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Name returns the current handler's name.
func (s *Slot) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Name()
}
