package acl

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arataga-proxy/arataga/internal/aclconn"
	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/datatransfer"
	"github.com/arataga-proxy/arataga/internal/httpproxy"
	"github.com/arataga-proxy/arataga/internal/protodetect"
	"github.com/arataga-proxy/arataga/internal/socks5"
	"github.com/arataga-proxy/arataga/internal/stats"
	pkgerrors "github.com/arataga-proxy/arataga/pkg/errors"
	"github.com/arataga-proxy/arataga/pkg/timing"
)

// runner owns one ACL's listening socket and its connection table,
// cycling through the lifecycle states from §4.10:
// entry_not_created → accepting ⇄ too_many_connections, plus
// shutting_down. The accepting/too_many_connections distinction is
// expressed as a semaphore of maxconn tokens: the accept loop only calls
// Accept again once a token is free, so once maxconn connections are
// live, new inbound connections simply queue in the kernel's listen
// backlog instead of a new goroutine spinning up to take them.
type runner struct {
	log   *slog.Logger
	group *group
	bw    *bandwidth.Manager
	stats *stats.Collector

	table *aclconn.Table

	mu  sync.Mutex
	cfg config.ACLConfig
	acl config.Snapshot

	cancel context.CancelFunc
	done   chan struct{}

	listenerOpen atomic.Bool
}

func newRunner(log *slog.Logger, cfg config.ACLConfig, g *group, snap config.Snapshot, bw *bandwidth.Manager, collector *stats.Collector) *runner {
	return &runner{
		log:   log.With("component", "acl", "port", cfg.Port, "in_ip", cfg.InIP.String(), "group", g.id),
		group: g,
		bw:    bw,
		stats: collector,
		table: aclconn.NewTable(),
		cfg:   cfg,
		acl:   snap,
		done:  make(chan struct{}),
	}
}

func (r *runner) updateConfig(cfg config.ACLConfig, snap config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.acl = snap
}

func (r *runner) snapshot() (config.ACLConfig, config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.acl
}

func (r *runner) maxConn() int {
	_, snap := r.snapshot()
	if snap.ACLMaxConn <= 0 {
		return 1000
	}
	return snap.ACLMaxConn
}

// recordAccepted and recordClosed are the runner's only touchpoints with
// internal/stats; both are nil-safe since tests and some callers run
// without a collector wired in.
func (r *runner) recordAccepted() {
	if r.stats != nil {
		r.stats.ConnectionAccepted()
	}
}

func (r *runner) recordClosed(reason aclconn.Removal) {
	if r.stats != nil {
		r.stats.ConnectionClosed(reason)
	}
}

// httpStats and relayStats hand *stats.Collector to internal/httpproxy
// and internal/datatransfer through their respective StatsRecorder
// interfaces. Returning nil explicitly when r.stats is unset avoids
// wrapping a nil *stats.Collector in a non-nil interface value, which
// would make those packages' own `stats == nil` guard never fire.
func (r *runner) httpStats() httpproxy.StatsRecorder {
	if r.stats == nil {
		return nil
	}
	return r.stats
}

func (r *runner) relayStats() datatransfer.StatsRecorder {
	if r.stats == nil {
		return nil
	}
	return r.stats
}

// run drives the entry_not_created → accepting cycle until ctx is
// cancelled or shutdown() is called; on a listen failure it logs at
// critical and retries after retryDelay, per §4.10.
func (r *runner) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer close(r.done)
	defer r.table.ReleaseAll()

	for {
		if ctx.Err() != nil {
			return
		}

		cfg, _ := r.snapshot()
		ln, err := listen(cfg)
		if err != nil {
			listenErr := pkgerrors.NewConnectionError(cfg.InIP.String(), int(cfg.Port), err)
			r.log.Error("failed to open ACL listener, retrying", "error", listenErr, "retry_in", retryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		r.listenerOpen.Store(true)
		r.log.Info("ACL listener open")
		r.acceptLoop(ctx, ln)
		r.listenerOpen.Store(false)

		if ctx.Err() != nil {
			return
		}
		// acceptLoop returned without ctx being cancelled only on a
		// non-recoverable listener error; retry from entry_not_created.
	}
}

// listen opens the ingress socket with SO_REUSEADDR. The listen backlog
// is not set here: it is whatever Go's net package picks (on Linux, the
// system's somaxconn), not a fixed size.
func listen(cfg config.ACLConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := net.JoinHostPort(cfg.InIP.String(), strconv.Itoa(int(cfg.Port)))
	return lc.Listen(context.Background(), "tcp", addr)
}

// acceptLoop implements the maxconn-bounded accept cycle described above.
func (r *runner) acceptLoop(ctx context.Context, ln net.Listener) {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := make(chan struct{}, r.maxConn())
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sem:
		}

		conn, err := ln.Accept()
		if err != nil {
			sem <- struct{}{}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("accept failed", "error", err)
			return
		}

		r.recordAccepted()

		// A watchdog independent of whichever stage Handler is currently
		// installed: forced shutdown must be able to interrupt a blocked
		// read no matter which pipeline stage owns the conn at the time,
		// without that stage's Release() tearing down a conn a successor
		// stage still needs (see the doc comment on detectHandler).
		connCtx, connCancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()

		id, slot, entry := r.register(connCtx, conn)
		go func() {
			defer func() {
				connCancel()
				conn.Close()
				slot.Release()
				r.table.Remove(id)
				sem <- struct{}{}
			}()
			r.runProtected(connCtx, entry)
		}()
	}
}

// runProtected calls entry's first handler, converting a panic inside
// any stage's OnStart into aclconn.UnhandledException instead of letting
// it propagate out of the goroutine and crash the process alongside
// every other live connection — §4.5/§7's "any exception thrown inside
// the callback ... is never propagated past the callback".
func (r *runner) runProtected(ctx context.Context, entry *connEntry) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("connection handler panicked, isolating to this connection", "panic", p)
			entry.finish(aclconn.UnhandledException)
		}
	}()
	entry.start.OnStart(ctx)
}

// shutdown stops accepting, closes the listener, and releases every live
// connection's handler (§4.10 "On shutdown, stop accepting, close the
// listener, drop all connections").
func (r *runner) shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// connEntry is the per-connection state shared across every stage
// Handler a slot cycles through: the slot itself (so a stage can replace
// itself with its successor), the timing collector, and the final-reason
// reporter that fires exactly once, whichever stage turns out to be
// terminal.
type connEntry struct {
	conn  net.Conn
	slot  *aclconn.Slot
	timer *timing.Timer
	start aclconn.Handler

	once   sync.Once
	onDone func(aclconn.Removal)
}

func (e *connEntry) finish(reason aclconn.Removal) {
	e.once.Do(func() {
		if e.onDone != nil {
			e.onDone(reason)
		}
	})
}

// register builds the connection's first stage (protocol detection) and
// registers its slot in the table, ready for the caller to run and
// release.
func (r *runner) register(ctx context.Context, conn net.Conn) (uint64, *aclconn.Slot, *connEntry) {
	cfg, snap := r.snapshot()
	t := timing.New()

	entry := &connEntry{conn: conn, timer: t}
	entry.onDone = func(reason aclconn.Removal) {
		r.recordClosed(reason)
		r.log.Debug("connection finished", "reason", reason, "metrics", t.Metrics().String())
	}

	det := &detectHandler{r: r, entry: entry, cfg: cfg, snap: snap}
	entry.start = det

	slot := aclconn.NewSlot(det)
	entry.slot = slot
	id := r.table.Register(slot)
	return id, slot, entry
}

// detectHandler is the connection's first stage: protocol detection.
// On success it replaces itself, via aclconn.Slot.Replace, with the
// SOCKS5 or HTTP protocol handler (§4.5/§2's "the detection handler
// replaces itself with a protocol-specific handler"). It owns no
// resource beyond the shared conn, so Release is a no-op — forced
// interruption goes through the accept loop's watchdog goroutine
// instead, and orderly teardown of the conn happens once, in the accept
// loop's own defer.
type detectHandler struct {
	r     *runner
	entry *connEntry
	cfg   config.ACLConfig
	snap  config.Snapshot
}

func (h *detectHandler) Name() string  { return "protodetect" }
func (h *detectHandler) OnTimer()      {}
func (h *detectHandler) Release()      {}

func (h *detectHandler) OnStart(ctx context.Context) {
	conn := h.entry.conn
	result, err := protodetect.Detect(conn, h.cfg.Hint, h.snap.Timeouts.ProtocolDetect)
	if err != nil {
		switch err {
		case protodetect.ErrNoBytes:
			h.entry.finish(aclconn.HTTPNoIncomingRequest)
		case protodetect.ErrTimeout:
			h.entry.finish(aclconn.CurrentOperationTimedOut)
		default:
			h.entry.finish(aclconn.IOError)
		}
		return
	}

	var next aclconn.Handler
	switch result.Protocol {
	case protodetect.SOCKS5:
		next = &socks5Handler{r: h.r, entry: h.entry, cfg: h.cfg, snap: h.snap}
	default:
		next = &httpHandler{r: h.r, entry: h.entry, cfg: h.cfg, snap: h.snap, prefix: result.Prefix}
	}
	h.entry.slot.Replace(ctx, next)
}

// socks5Handler drives internal/socks5's handshake/auth/CONNECT-or-BIND
// negotiation. A successful tunnel replaces this handler with a
// dataTransferHandler instead of relaying inline.
type socks5Handler struct {
	r     *runner
	entry *connEntry
	cfg   config.ACLConfig
	snap  config.Snapshot
}

func (h *socks5Handler) Name() string { return "socks5" }
func (h *socks5Handler) OnTimer()     {}
func (h *socks5Handler) Release()     {}

func (h *socks5Handler) OnStart(ctx context.Context) {
	if h.cfg.Hint == protodetect.ForceSOCKS5 {
		// A forced hint makes protodetect.Detect skip its read, while
		// socks5.Run expects the leading VER byte to be consumed already.
		if d := h.snap.Timeouts.Handshake; d > 0 {
			_ = h.entry.conn.SetReadDeadline(time.Now().Add(d))
		}
		var ver [1]byte
		if n, _ := h.entry.conn.Read(ver[:]); n != 1 || ver[0] != 0x05 {
			h.entry.finish(aclconn.ProtocolError)
			return
		}
	}
	reason, handoff := socks5.Run(ctx, h.entry.conn, socks5.Deps{
		Authenticator: h.r.group.auth,
		Resolver:      h.r.group.resolver,
		EgressIP:      h.cfg.EgressIP,
		Timeouts: socks5.Timeouts{
			Handshake:     h.snap.Timeouts.Handshake,
			ConnectTarget: h.snap.Timeouts.ConnectTarget,
			Bind:          h.snap.Timeouts.Bind,
			Idle:          h.snap.Timeouts.Idle,
		},
		ChunkSize:  h.snap.ACLIOChunkSize,
		ChunkCount: h.snap.ACLIOChunkCount,
		InIP:       h.cfg.InIP,
		InPort:     h.cfg.Port,
	})
	h.r.installOrFinish(ctx, h.entry, h.snap, reason, handoff)
}

// httpHandler drives internal/httpproxy's request/response (and
// keep-alive) loop. A successful CONNECT tunnel replaces this handler
// with a dataTransferHandler instead of relaying inline.
type httpHandler struct {
	r      *runner
	entry  *connEntry
	cfg    config.ACLConfig
	snap   config.Snapshot
	prefix []byte
}

func (h *httpHandler) Name() string { return "http" }
func (h *httpHandler) OnTimer()     {}
func (h *httpHandler) Release()     {}

func (h *httpHandler) OnStart(ctx context.Context) {
	reason, handoff := httpproxy.Run(ctx, h.entry.conn, h.prefix, httpproxy.Deps{
		Authenticator: h.r.group.auth,
		Resolver:      h.r.group.resolver,
		EgressIP:      h.cfg.EgressIP,
		Timeouts: httpproxy.Timeouts{
			Handshake:     h.snap.Timeouts.Handshake,
			ConnectTarget: h.snap.Timeouts.ConnectTarget,
			Idle:          h.snap.Timeouts.Idle,
		},
		ChunkSize:           h.snap.ACLIOChunkSize,
		ChunkCount:          h.snap.ACLIOChunkCount,
		InIP:                h.cfg.InIP,
		InPort:              h.cfg.Port,
		MaxRequestTargetLen: h.snap.HTTPLimits.MaxRequestTargetLength,
		Stats:               h.r.httpStats(),
	})
	h.r.installOrFinish(ctx, h.entry, h.snap, reason, handoff)
}

// installOrFinish is the shared §4.5 stage-transition point for both
// protocol handlers: a non-nil handoff means CONNECT/BIND succeeded, so
// the data-transfer stage is installed via Slot.Replace; otherwise the
// pipeline ended here and reason is reported as final.
func (r *runner) installOrFinish(ctx context.Context, entry *connEntry, snap config.Snapshot, reason aclconn.Removal, handoff *aclconn.RelayHandoff) {
	if handoff == nil {
		entry.finish(reason)
		return
	}
	dt := &dataTransferHandler{r: r, entry: entry, snap: snap, handoff: handoff}
	entry.slot.Replace(ctx, dt)
}

// dataTransferHandler is the terminal stage (§4.9): it relays until the
// connection ends, reports the final removal reason, and owns the
// egress dial it was handed — Release closes it so a forced shutdown
// mid-relay doesn't leak the target socket (the shared client conn is
// closed independently by the accept loop's watchdog/defer).
type dataTransferHandler struct {
	r       *runner
	entry   *connEntry
	snap    config.Snapshot
	handoff *aclconn.RelayHandoff
}

func (h *dataTransferHandler) Name() string { return "datatransfer" }
func (h *dataTransferHandler) OnTimer()     {}

func (h *dataTransferHandler) Release() {
	h.handoff.Target.Close()
}

func (h *dataTransferHandler) OnStart(ctx context.Context) {
	defer h.handoff.Handle.Close()
	defer h.handoff.Target.Close()

	reason := datatransfer.Relay(ctx, h.entry.conn, h.handoff.Target, h.handoff.Handle, datatransfer.Config{
		ChunkSize:   h.snap.ACLIOChunkSize,
		ChunkCount:  h.snap.ACLIOChunkCount,
		IdleTimeout: h.snap.Timeouts.Idle,
		Stats:       h.r.relayStats(),
	})
	h.entry.finish(reason)
}
