package integration

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/arataga-proxy/arataga/internal/protodetect"
)

// TestSOCKS5UnsupportedATYPClosesAfterNegativeReply sends a CONNECT
// command with an ATYP the pipeline doesn't recognize; it must reply
// 05 08 00 00 (address type not supported) and then close the
// connection rather than waiting for more input.
func TestSOCKS5UnsupportedATYPClosesAfterNegativeReply(t *testing.T) {
	proxy := startProxy(t, protodetect.ForceSOCKS5, nil)
	defer proxy.close()

	conn, err := net.Dial("tcp", proxy.addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	socks5Greet(t, conn)

	const unsupportedATYP = 0x02 // not 0x01 (IPv4), 0x03 (domain), or 0x04 (IPv6)
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00, unsupportedATYP, 0x00, 0x00}); err != nil {
		t.Fatalf("write CONNECT with bad ATYP: %v", err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	want := []byte{0x05, 0x08, 0x00, 0x00}
	if string(reply) != string(want) {
		t.Fatalf("reply = % x, want % x", reply, want)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err != io.EOF {
		t.Fatalf("expected connection closed (EOF), got n=%d err=%v", n, err)
	}
}
