// Package socks5 implements the SOCKS5 pipeline from §4.7 (RFC 1928,
// 1929): method selection, optional username/password sub-negotiation,
// and the CONNECT and BIND commands. Run stops at the point the
// original design calls "replace the handler with the data-transfer
// one": on a successful CONNECT/BIND it returns an
// aclconn.RelayHandoff instead of relaying itself, so the caller can
// install the data-transfer stage via aclconn.Slot.Replace (§4.5).
//
// Every stage reads through one bufio.Reader shared for the lifetime of
// the connection (mirroring the incremental-parser style the teacher
// uses for HTTP response parsing in pkg/client/client.go), which is what
// lets the no-auth quirk in step 3 Peek a byte without consuming it.
// Per-operation timeouts (§4.7 point 7) are expressed as conn deadlines
// set before each blocking read/write rather than via the 1 Hz OnTimer
// path — the goroutine-per-connection model makes a deadline the more
// direct translation of "this stage has its own timeout" than polling
// elapsed time from a ticker (see SPEC_FULL.md §A).
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arataga-proxy/arataga/internal/aclconn"
	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
)

const (
	methodNoAuth   = 0x00
	methodUserPass = 0x02
	methodNoneAcceptable = 0xFF

	cmdConnect = 0x01
	cmdBind    = 0x02

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repOK                = 0x00
	repGeneralFailure     = 0x01
	repCommandNotSupported = 0x07
	repAddressNotSupported = 0x08
)

// Timeouts bundles the per-stage deadlines from the config's `timeout.*`
// keys that apply to this pipeline.
type Timeouts struct {
	Handshake     time.Duration
	ConnectTarget time.Duration
	Bind          time.Duration
	Idle          time.Duration
}

// Deps are the collaborators a SOCKS5 session needs: the ACL's shared
// authenticator and DNS resolver, its egress address, and the chunk
// sizing handed to the data-transfer stage.
type Deps struct {
	Authenticator *authenticator.Authenticator
	Resolver      *dnsresolver.Resolver
	EgressIP      net.IP
	Timeouts      Timeouts
	ChunkSize     int
	ChunkCount    int
	InIP          net.IP
	InPort        uint16
}

// Run executes the SOCKS5 pipeline on conn, whose leading VER=0x05 byte
// has already been consumed by protocol detection. A non-nil
// aclconn.RelayHandoff means CONNECT/BIND succeeded and the returned
// Removal is not meaningful — ownership of handoff.Target and
// handoff.Handle passes to the caller, who must relay then close both.
// Every other return leaves Run having closed everything it opened.
func Run(ctx context.Context, conn net.Conn, deps Deps) (aclconn.Removal, *aclconn.RelayHandoff) {
	r := bufio.NewReader(conn)

	setDeadline(conn, deps.Timeouts.Handshake)
	method, err := negotiateMethod(r, conn)
	if err != nil {
		return aclconn.ProtocolError, nil
	}

	var username, password string
	if method == methodUserPass {
		username, password, err = subNegotiate(r, conn)
		if err != nil {
			return aclconn.ProtocolError, nil
		}
	} else if method == methodNoAuth {
		if err := consumeNoAuthQuirk(r, conn); err != nil {
			return aclconn.ProtocolError, nil
		}
	}

	setDeadline(conn, deps.Timeouts.Handshake)
	cmd, atyp, targetHost, targetPort, err := readCommand(r)
	if err != nil {
		var reply *replyError
		if errors.As(err, &reply) {
			writeNegativeReply(conn, reply.rep)
		}
		return aclconn.ProtocolError, nil
	}

	authReq := authenticator.Request{
		InIP: deps.InIP, InPort: deps.InPort,
		ClientIP:   remoteIP(conn),
		Username:   username,
		Password:   password,
		TargetHost: targetHost,
		TargetPort: targetPort,
	}
	authRes, err := deps.Authenticator.Authenticate(ctx, authReq)
	if err != nil {
		return aclconn.CurrentOperationCanceled, nil
	}
	if !authRes.OK {
		writeNegativeReply(conn, repGeneralFailure)
		return aclconn.AccessDenied, nil
	}

	var reason aclconn.Removal
	var handoff *aclconn.RelayHandoff
	switch cmd {
	case cmdConnect:
		reason, handoff = runConnect(ctx, conn, r, atyp, targetHost, targetPort, authRes.Handle, deps)
	case cmdBind:
		reason, handoff = runBind(ctx, conn, atyp, targetHost, authRes.Handle, deps)
	default:
		writeNegativeReply(conn, repCommandNotSupported)
		reason = aclconn.ProtocolError
	}
	if handoff == nil {
		authRes.Handle.Close()
	}
	return reason, handoff
}

func negotiateMethod(r *bufio.Reader, w io.Writer) (byte, error) {
	nmethods, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return 0, err
	}

	var chosen byte = methodNoneAcceptable
	for _, m := range methods {
		if m == methodUserPass {
			chosen = methodUserPass
			break
		}
	}
	if chosen == methodNoneAcceptable {
		for _, m := range methods {
			if m == methodNoAuth {
				chosen = methodNoAuth
				break
			}
		}
	}

	if _, err := w.Write([]byte{0x05, chosen}); err != nil {
		return 0, err
	}
	if chosen == methodNoneAcceptable {
		return 0, fmt.Errorf("socks5: no acceptable authentication method offered")
	}
	return chosen, nil
}

func subNegotiate(r *bufio.Reader, w io.Writer) (username, password string, err error) {
	ver, err := r.ReadByte()
	if err != nil {
		return "", "", err
	}
	if ver != 0x01 {
		return "", "", fmt.Errorf("socks5: unsupported sub-negotiation version %#x", ver)
	}
	ulen, err := r.ReadByte()
	if err != nil {
		return "", "", err
	}
	uname := make([]byte, ulen)
	if _, err := io.ReadFull(r, uname); err != nil {
		return "", "", err
	}
	plen, err := r.ReadByte()
	if err != nil {
		return "", "", err
	}
	passwd := make([]byte, plen)
	if _, err := io.ReadFull(r, passwd); err != nil {
		return "", "", err
	}
	if _, err := w.Write([]byte{0x01, 0x00}); err != nil {
		return "", "", err
	}
	return string(uname), string(passwd), nil
}

// consumeNoAuthQuirk implements step 3: curl sends an empty-credentials
// sub-negotiation after no-auth is selected; Firefox doesn't. Peek the
// next byte; 0x05 means the command PDU starts immediately, anything
// else is consumed as a (discarded) sub-negotiation frame.
func consumeNoAuthQuirk(r *bufio.Reader, w io.Writer) error {
	b, err := r.Peek(1)
	if err != nil {
		return err
	}
	if b[0] == 0x05 {
		return nil
	}
	_, _, err = subNegotiate(r, w)
	return err
}

type replyError struct{ rep byte }

func (e *replyError) Error() string { return fmt.Sprintf("socks5: reply %#x", e.rep) }

func readCommand(r *bufio.Reader) (cmd, atyp byte, host string, port uint16, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return
	}
	if hdr[0] != 0x05 {
		err = fmt.Errorf("socks5: bad command VER %#x", hdr[0])
		return
	}
	cmd, atyp = hdr[1], hdr[3]

	switch atyp {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case atypIPv6:
		b := make([]byte, 16)
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case atypDomain:
		l, e := r.ReadByte()
		if e != nil {
			err = e
			return
		}
		if l < 1 {
			err = &replyError{rep: repAddressNotSupported}
			return
		}
		b := make([]byte, l)
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = string(b)
	default:
		err = &replyError{rep: repAddressNotSupported}
		return
	}

	var portBytes [2]byte
	if _, err = io.ReadFull(r, portBytes[:]); err != nil {
		return
	}
	port = binary.BigEndian.Uint16(portBytes[:])
	return
}

func runConnect(ctx context.Context, conn net.Conn, r *bufio.Reader, atyp byte, host string, port uint16, handle *bandwidth.Handle, deps Deps) (aclconn.Removal, *aclconn.RelayHandoff) {
	var resolvedIP net.IP

	if atyp == atypDomain {
		version := dnsresolver.IPv4
		if deps.EgressIP.To4() == nil {
			version = dnsresolver.IPv6
		}
		ctx, cancel := context.WithTimeout(ctx, nonZero(deps.Timeouts.ConnectTarget, 10*time.Second))
		defer cancel()
		ip, err := deps.Resolver.Resolve(ctx, host, version)
		if err != nil {
			writeNegativeReply(conn, repAddressNotSupported)
			return aclconn.IPVersionMismatch, nil
		}
		resolvedIP = ip
	} else {
		resolvedIP = net.ParseIP(host)
		if deps.EgressIP.To4() != nil && resolvedIP.To4() == nil {
			writeNegativeReply(conn, repAddressNotSupported)
			return aclconn.IPVersionMismatch, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, nonZero(deps.Timeouts.ConnectTarget, 10*time.Second))
	defer cancel()
	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: deps.EgressIP}}
	target, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(resolvedIP.String(), fmt.Sprintf("%d", port)))
	if err != nil {
		writeNegativeReply(conn, repGeneralFailure)
		return aclconn.UnresolvedTarget, nil
	}

	local := target.LocalAddr().(*net.TCPAddr)
	if err := writeSuccessReply(conn, local.IP, uint16(local.Port)); err != nil {
		target.Close()
		return aclconn.IOError, nil
	}

	if r.Buffered() > 0 {
		// Any bytes already buffered by protocol detection/handshake reads
		// belong to the relay, not to the SOCKS negotiation.
		buffered, _ := r.Peek(r.Buffered())
		if _, err := target.Write(buffered); err != nil {
			target.Close()
			return aclconn.TargetEndBroken, nil
		}
	}

	return aclconn.NormalCompletion, &aclconn.RelayHandoff{Target: target, Handle: handle}
}

func runBind(ctx context.Context, conn net.Conn, atyp byte, expectedHost string, handle *bandwidth.Handle, deps Deps) (aclconn.Removal, *aclconn.RelayHandoff) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: deps.EgressIP})
	if err != nil {
		writeNegativeReply(conn, repGeneralFailure)
		return aclconn.IOError, nil
	}
	defer ln.Close()

	la := ln.Addr().(*net.TCPAddr)
	if err := writeSuccessReply(conn, la.IP, uint16(la.Port)); err != nil {
		return aclconn.IOError, nil
	}

	bindDeadline := time.Now().Add(nonZero(deps.Timeouts.Bind, 60*time.Second))
	var accepted net.Conn
	for {
		_ = ln.SetDeadline(bindDeadline)
		c, err := ln.Accept()
		if err != nil {
			writeNegativeReply(conn, repGeneralFailure)
			return aclconn.CurrentOperationTimedOut, nil
		}
		remoteHost, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		if expectedHost != "" && remoteHost != expectedHost {
			c.Close()
			continue
		}
		accepted = c
		break
	}

	peer := accepted.RemoteAddr().(*net.TCPAddr)
	if err := writeSuccessReply(conn, peer.IP, uint16(peer.Port)); err != nil {
		accepted.Close()
		return aclconn.IOError, nil
	}

	return aclconn.NormalCompletion, &aclconn.RelayHandoff{Target: accepted, Handle: handle}
}

func writeNegativeReply(w io.Writer, rep byte) {
	_, _ = w.Write([]byte{0x05, rep, 0x00, 0x00})
}

func writeSuccessReply(w io.Writer, ip net.IP, port uint16) error {
	atyp := byte(atypIPv4)
	addr := ip.To4()
	if addr == nil {
		atyp = atypIPv6
		addr = ip.To16()
	}
	reply := make([]byte, 0, 6+len(addr))
	reply = append(reply, 0x05, repOK, 0x00, atyp)
	reply = append(reply, addr...)
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], port)
	reply = append(reply, portBytes[:]...)
	_, err := w.Write(reply)
	return err
}

func setDeadline(conn net.Conn, d time.Duration) {
	if d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
	}
}

func remoteIP(conn net.Conn) net.IP {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
