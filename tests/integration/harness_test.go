// Package integration drives the forward proxy end to end over real
// loopback sockets, grounded on the teacher's
// tests/integration/client_test.go convention: plain package integration,
// a listenTCP helper that skips instead of failing when the sandbox
// denies socket permissions, and goroutine-driven fake target servers.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/arataga-proxy/arataga/internal/acl"
	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/broadcast"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/protodetect"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPerm(err) {
			t.Skip("network sockets not permitted in sandbox")
		}
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func isPerm(err error) bool {
	if err == nil {
		return false
	}
	if op, ok := err.(*net.OpError); ok {
		if se, ok := op.Err.(*os.SyscallError); ok {
			if se.Err == syscall.EPERM {
				return true
			}
		}
		if strings.Contains(op.Err.Error(), "operation not permitted") {
			return true
		}
	}
	return strings.Contains(err.Error(), "permission denied")
}

// freePort reserves an ephemeral loopback port and immediately releases
// it so the ACL manager's own listener (opened with SO_REUSEADDR) can
// bind the same number.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln := listenTCP(t)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split port: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return uint16(port)
}

// fakeTarget is a goroutine-driven upstream server a test dials through
// the proxy. handle runs once per accepted connection.
func fakeTarget(t *testing.T, handle func(net.Conn)) net.Listener {
	t.Helper()
	ln := listenTCP(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln
}

// testProxy is a running ACL manager plus the host:port its single ACL
// listens on.
type testProxy struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *testProxy) close() {
	p.cancel()
	<-p.done
}

// startProxy builds a one-group ACL manager with a single ACL of the
// given protocol hint, loads one by-IP user record for loopback clients
// (so a client authenticates without Proxy-Authorization/SOCKS
// sub-negotiation) plus one by-login record for the credentials the
// keep-alive test sends, and blocks until the ACL's listener accepts
// connections or the deadline passes.
func startProxy(t *testing.T, hint protodetect.Hint, configure func(*config.Snapshot)) *testProxy {
	t.Helper()

	port := freePort(t)
	inIP := net.ParseIP("127.0.0.1")

	topic := broadcast.New[config.Snapshot]()
	mgr := acl.NewManager(discardLogger(), 1, topic)
	mgr.LoadUsers(
		[]authenticator.ByIPEntry{{
			InIP: "127.0.0.1", ClientIP: "127.0.0.1", InPort: port,
			User: authenticator.UserRecord{UserID: "loopback-user"},
		}},
		[]authenticator.ByLoginEntry{{
			InIP: "127.0.0.1", Username: "anyuser", Password: "anypass", InPort: port,
			User: authenticator.UserRecord{UserID: "loopback-login"},
		}},
		nil,
	)

	snap := config.Default()
	snap.ACLs = []config.ACLConfig{{Hint: hint, Port: port, InIP: inIP, EgressIP: inIP}}
	if configure != nil {
		configure(&snap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	topic.Publish(snap)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	waitForAccept(t, addr)

	return &testProxy{addr: addr, cancel: cancel, done: done}
}

// waitForAccept polls addr until a TCP connect succeeds, since the ACL
// manager opens its listener asynchronously from a config update.
func waitForAccept(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("proxy never started accepting on %s", addr)
}
