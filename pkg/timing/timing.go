// Package timing provides stage-duration tracking for connection handlers.
package timing

import (
	"fmt"
	"sync"
	"time"
)

// Metrics captures how long a connection spent in each pipeline stage.
// A zero field means the stage was never entered (or never left) on this
// connection.
type Metrics struct {
	Auth          time.Duration `json:"auth"`
	DNSLookup     time.Duration `json:"dns_lookup"`
	TargetConnect time.Duration `json:"target_connect"`
	TotalTime     time.Duration `json:"total_time"`
}

// Stage identifies a pipeline stage whose entry time is tracked by a Timer.
type Stage string

const (
	StageProtocolDetect Stage = "protocol_detect"
	StageHandshake      Stage = "handshake"
	StageAuth           Stage = "auth"
	StageDNSLookup      Stage = "dns_lookup"
	StageTargetConnect  Stage = "target_connect"
	StageDataTransfer   Stage = "data_transfer"
)

// Timer records when a connection entered its current stage and when the
// stages reported in Metrics ended; Expired compares the current stage's
// age against a timeout. internal/acl creates one per connection and reads
// its Metrics; the 1 Hz timer does not consult it. Access is guarded by a
// mutex.
type Timer struct {
	mu      sync.Mutex
	start   time.Time
	stage   Stage
	entered time.Time

	dnsStart time.Time
	dnsEnd   time.Time
	tgtStart time.Time
	tgtEnd   time.Time
	authEnd  time.Time
}

// New creates a Timer whose overall clock starts now.
func New() *Timer {
	return &Timer{start: time.Now()}
}

// Enter records entry into a new stage, resetting the deadline clock used
// by Expired.
func (t *Timer) Enter(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stage = s
	t.entered = time.Now()
	switch s {
	case StageDNSLookup:
		t.dnsStart = t.entered
	case StageTargetConnect:
		t.tgtStart = t.entered
	}
}

// Leave records completion of a stage whose duration is reported in Metrics.
func (t *Timer) Leave(s Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	switch s {
	case StageDNSLookup:
		t.dnsEnd = now
	case StageTargetConnect:
		t.tgtEnd = now
	case StageAuth:
		t.authEnd = now
	}
}

// Stage returns the stage currently being timed.
func (t *Timer) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Expired reports whether the current stage has been active for at least
// timeout.
func (t *Timer) Expired(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timeout <= 0 {
		return false
	}
	return time.Since(t.entered) >= timeout
}

// Metrics returns a snapshot of the stage durations recorded so far.
func (t *Timer) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := Metrics{TotalTime: time.Since(t.start)}
	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		m.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tgtStart.IsZero() && !t.tgtEnd.IsZero() {
		m.TargetConnect = t.tgtEnd.Sub(t.tgtStart)
	}
	if !t.start.IsZero() && !t.authEnd.IsZero() {
		m.Auth = t.authEnd.Sub(t.start)
	}
	return m
}

// String renders the metrics for log lines.
func (m Metrics) String() string {
	return fmt.Sprintf("auth=%v dns=%v connect=%v total=%v", m.Auth, m.DNSLookup, m.TargetConnect, m.TotalTime)
}
