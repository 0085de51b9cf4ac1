package integration

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/protodetect"
)

// TestHTTPRequestTargetTooLongRejectsAndCloses configures a small
// max_request_target_length and sends a request-target past it; the
// pipeline must reply 400 Bad Request and close the connection without
// attempting to resolve or connect anywhere.
func TestHTTPRequestTargetTooLongRejectsAndCloses(t *testing.T) {
	proxy := startProxy(t, protodetect.ForceHTTP, func(snap *config.Snapshot) {
		snap.HTTPLimits.MaxRequestTargetLength = 16
	})
	defer proxy.close()

	conn, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	longTarget := "http://example.com/" + strings.Repeat("a", 64)
	req := "GET " + longTarget + " HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "400") {
		t.Fatalf("status = %q, want 400", status)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.Copy(io.Discard, r)
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("expected connection closed (EOF) after 400, got n=%d err=%v", n, err)
	}
}
