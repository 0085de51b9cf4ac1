package aclconn

import (
	"net"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
)

// RelayHandoff is what a protocol handler (SOCKS5 CONNECT/BIND, HTTP
// CONNECT) hands back once it has negotiated a tunnel: the dialed egress
// connection and the bandwidth handle the tunnel was authenticated
// under. The caller wraps both in a data-transfer Handler and installs
// it via Slot.Replace, completing the §4.5 control flow: the detection
// handler replaces itself with the protocol handler, which replaces
// itself with the data-transfer handler.
type RelayHandoff struct {
	Target net.Conn
	Handle *bandwidth.Handle
}
