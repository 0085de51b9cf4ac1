// Package httpproxy implements the HTTP/1.1 pipeline from §4.8: an
// incremental request-line/header parse, Basic-auth extraction and
// authentication, DNS resolution and egress connect, and a
// request/response rewriter that re-frames chunked bodies and respects
// keep-alive. A CONNECT request that reaches a successful tunnel stops
// short of relaying itself: Run returns an aclconn.RelayHandoff so the
// caller can install the data-transfer stage via aclconn.Slot.Replace,
// the same §4.5 control flow internal/socks5 follows.
//
// Header parsing leans on net/textproto.Reader.ReadMIMEHeader, the same
// package the teacher's pkg/client/client.go reaches for when turning raw
// header bytes into a map; chunked-body re-framing (readChunkedBody in
// this package) mirrors the teacher's chunk-size/body/CRLF/trailer loop
// in pkg/client/client.go's readChunkedBody, run here in the opposite
// direction (forwarding each chunk instead of buffering it into a
// response).
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arataga-proxy/arataga/internal/aclconn"
	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
)

const maxRequestTargetLen = 8 * 1024

var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Proxy-Authorization", "Keep-Alive",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Timeouts bundles the per-stage deadlines applying to this pipeline.
type Timeouts struct {
	Handshake     time.Duration
	ConnectTarget time.Duration
	Idle          time.Duration
}

// StatsRecorder receives the byte counts forwarded in each direction for
// an ordinary (non-CONNECT) request/response cycle, the httpproxy-side
// counterpart of what internal/datatransfer reports for tunnels. Accepted
// as an interface so this package doesn't need to import internal/stats;
// *stats.Collector satisfies it structurally.
type StatsRecorder interface {
	BytesToUser(n int64)
	BytesToTarget(n int64)
}

// Deps are the collaborators an HTTP session needs.
type Deps struct {
	Authenticator *authenticator.Authenticator
	Resolver      *dnsresolver.Resolver
	EgressIP      net.IP
	Timeouts      Timeouts
	ChunkSize     int
	ChunkCount    int
	InIP          net.IP
	InPort        uint16
	// MaxRequestTargetLen is the `http.limits.max_request_target_length`
	// config key (§3); 0 falls back to maxRequestTargetLen.
	MaxRequestTargetLen int
	// Stats, if non-nil, is fed every byte forwarded by the non-CONNECT
	// request/response path.
	Stats StatsRecorder
}

func (d Deps) maxRequestTargetLen() int {
	if d.MaxRequestTargetLen > 0 {
		return d.MaxRequestTargetLen
	}
	return maxRequestTargetLen
}

func (d Deps) chunkSize() int {
	if d.ChunkSize > 0 {
		return d.ChunkSize
	}
	return 16 * 1024
}

type requestLine struct {
	Method, Target, Version string
}

// Run executes the HTTP/1.1 pipeline on conn. prefix holds any bytes
// already consumed by protocol detection (the request line's first
// byte) that must be fed back as the start of the stream. A non-nil
// aclconn.RelayHandoff means a CONNECT tunnel was established; the
// returned Removal is not meaningful in that case, and ownership of
// handoff.Target/handoff.Handle passes to the caller.
func Run(ctx context.Context, conn net.Conn, prefix []byte, deps Deps) (aclconn.Removal, *aclconn.RelayHandoff) {
	r := bufio.NewReader(io.MultiReader(multiReaderFrom(prefix), conn))

	for {
		setDeadline(conn, deps.Timeouts.Handshake)
		reason, keepAlive, handoff := handleOneRequest(ctx, conn, r, deps)
		if handoff != nil {
			return aclconn.NormalCompletion, handoff
		}
		if reason != aclconn.NormalCompletion {
			return reason, nil
		}
		if !keepAlive {
			return aclconn.NormalCompletion, nil
		}
	}
}

func multiReaderFrom(b []byte) io.Reader {
	if len(b) == 0 {
		return strings.NewReader("")
	}
	return strings.NewReader(string(b))
}

func handleOneRequest(ctx context.Context, conn net.Conn, r *bufio.Reader, deps Deps) (aclconn.Removal, bool, *aclconn.RelayHandoff) {
	line, started, err := readRequestLine(r)
	if err != nil {
		if err == io.EOF {
			return aclconn.HTTPNoIncomingRequest, false, nil
		}
		if isTimeout(err) {
			if started {
				// A request line was partway through when the client fell
				// silent: §8's "client that sends partial headers and falls
				// silent receives 408 at the same deadline".
				writeSimpleResponse(conn, 408, "Request Timeout")
				return aclconn.CurrentOperationTimedOut, false, nil
			}
			// Nothing of a new request ever arrived before the keep-alive
			// deadline: an ordinary idle close, no response expected.
			return aclconn.HTTPNoIncomingRequest, false, nil
		}
		return aclconn.ProtocolError, false, nil
	}
	if len(line.Target) > deps.maxRequestTargetLen() {
		writeSimpleResponse(conn, 400, "Bad Request")
		return aclconn.ProtocolError, false, nil
	}

	headers, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		if isTimeout(err) {
			writeSimpleResponse(conn, 408, "Request Timeout")
			return aclconn.CurrentOperationTimedOut, false, nil
		}
		writeSimpleResponse(conn, 400, "Bad Request")
		return aclconn.ProtocolError, false, nil
	}

	if len(headers["Host"]) > 1 {
		// §4.8.1/§4.8.2: duplicate Host headers are a protocol error, not
		// "take the first one".
		writeSimpleResponse(conn, 400, "Bad Request")
		return aclconn.ProtocolError, false, nil
	}

	username, password := extractBasicAuth(headers.Get("Proxy-Authorization"))

	host, port, requestTarget, err := resolveTarget(line, headers)
	if err != nil {
		writeSimpleResponse(conn, 400, "Bad Request")
		return aclconn.ProtocolError, false, nil
	}

	authReq := authenticator.Request{
		InIP: deps.InIP, InPort: deps.InPort,
		ClientIP:   remoteIP(conn),
		Username:   username,
		Password:   password,
		TargetHost: host,
		TargetPort: port,
	}
	authRes, err := deps.Authenticator.Authenticate(ctx, authReq)
	if err != nil {
		return aclconn.CurrentOperationCanceled, false, nil
	}
	if !authRes.OK {
		writeSimpleResponse(conn, 407, "Proxy Authentication Required")
		return aclconn.AccessDenied, false, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, nonZero(deps.Timeouts.ConnectTarget, 10*time.Second))
	defer cancel()

	version := dnsresolver.IPv4
	if deps.EgressIP.To4() == nil {
		version = dnsresolver.IPv6
	}
	resolvedIP := net.ParseIP(host)
	if resolvedIP == nil {
		resolvedIP, err = deps.Resolver.Resolve(dialCtx, host, version)
		if err != nil {
			authRes.Handle.Close()
			if isInternalResolveError(err) {
				writeSimpleResponse(conn, 500, "Internal Server Error")
				return aclconn.UnresolvedTarget, false, nil
			}
			writeSimpleResponse(conn, 502, "Bad Gateway")
			return aclconn.UnresolvedTarget, false, nil
		}
	}

	dialer := net.Dialer{LocalAddr: &net.TCPAddr{IP: deps.EgressIP}}
	target, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(resolvedIP.String(), strconv.Itoa(int(port))))
	if err != nil {
		authRes.Handle.Close()
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return aclconn.UnresolvedTarget, false, nil
	}

	if strings.EqualFold(line.Method, "CONNECT") {
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
			authRes.Handle.Close()
			target.Close()
			return aclconn.IOError, false, nil
		}
		return aclconn.NormalCompletion, false, &aclconn.RelayHandoff{Target: target, Handle: authRes.Handle}
	}
	defer target.Close()
	defer authRes.Handle.Close()

	requestWantsClose := strings.EqualFold(headers.Get("Connection"), "close")

	stripHopByHop(headers)
	headers.Set("Host", net.JoinHostPort(host, strconv.Itoa(int(port))))

	if err := writeRequest(target, line.Method, requestTarget, line.Version, headers); err != nil {
		return aclconn.TargetEndBroken, false, nil
	}
	if err := forwardBody(r, target, headers, false, authRes.Handle, bandwidth.ToTarget, deps.chunkSize(), deps.Stats); err != nil {
		return aclconn.TargetEndBroken, false, nil
	}

	targetReader := bufio.NewReader(target)
	statusLine, respHeaders, err := readResponseHead(targetReader)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return aclconn.TargetEndBroken, false, nil
	}

	keepAlive := !requestWantsClose && !strings.EqualFold(respHeaders.Get("Connection"), "close")

	stripHopByHop(respHeaders)
	if keepAlive {
		respHeaders.Set("Connection", "keep-alive")
	} else {
		respHeaders.Set("Connection", "close")
	}

	if err := writeStatusAndHeaders(conn, statusLine, respHeaders); err != nil {
		return aclconn.UserEndBroken, false, nil
	}
	if err := forwardBody(targetReader, conn, respHeaders, !keepAlive, authRes.Handle, bandwidth.ToUser, deps.chunkSize(), deps.Stats); err != nil {
		return aclconn.UserEndBroken, false, nil
	}

	return aclconn.NormalCompletion, keepAlive, nil
}

// readRequestLine reports whether any bytes of the line were read before
// failing, so the caller can tell an idle keep-alive wait (no response
// due) from a request abandoned mid-line (408 due).
func readRequestLine(r *bufio.Reader) (requestLine, bool, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return requestLine{}, len(line) > 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return requestLine{}, true, fmt.Errorf("httpproxy: malformed request line %q", line)
	}
	return requestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, true, nil
}

// resolveTarget turns the request-target plus Host header into (host,
// port, origin-form-target). CONNECT carries an authority-form target
// (host:port); other methods carry either absolute-form (proxied
// requests must) or origin-form (tolerated, falling back to the Host
// header for the destination).
func resolveTarget(line requestLine, headers textproto.MIMEHeader) (host string, port uint16, requestTarget string, err error) {
	if strings.EqualFold(line.Method, "CONNECT") {
		h, p, splitErr := net.SplitHostPort(line.Target)
		if splitErr != nil {
			return "", 0, "", splitErr
		}
		pn, convErr := strconv.Atoi(p)
		if convErr != nil {
			return "", 0, "", convErr
		}
		return h, uint16(pn), line.Target, nil
	}

	if strings.HasPrefix(line.Target, "http://") || strings.HasPrefix(line.Target, "https://") {
		u, parseErr := url.Parse(line.Target)
		if parseErr != nil {
			return "", 0, "", parseErr
		}
		h := u.Hostname()
		p := u.Port()
		if p == "" {
			p = "80"
		}
		pn, _ := strconv.Atoi(p)
		origin := u.RequestURI()
		return h, uint16(pn), origin, nil
	}

	h, p, splitErr := net.SplitHostPort(headers.Get("Host"))
	if splitErr != nil {
		h = headers.Get("Host")
		p = "80"
	}
	pn, _ := strconv.Atoi(p)
	if pn == 0 {
		pn = 80
	}
	return h, uint16(pn), line.Target, nil
}

func extractBasicAuth(header string) (username, password string) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", ""
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func stripHopByHop(headers textproto.MIMEHeader) {
	connectionTokens := headers.Get("Connection")
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, "Transfer-Encoding") {
			continue // re-framed explicitly, not a blanket strip
		}
		headers.Del(h)
	}
	for _, tok := range strings.Split(connectionTokens, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" {
			headers.Del(tok)
		}
	}
}

func writeRequest(w io.Writer, method, target, version string, headers textproto.MIMEHeader) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", method, target, version); err != nil {
		return err
	}
	return writeHeaderBlock(w, headers)
}

func writeStatusAndHeaders(w io.Writer, statusLine string, headers textproto.MIMEHeader) error {
	if _, err := fmt.Fprintf(w, "%s\r\n", statusLine); err != nil {
		return err
	}
	return writeHeaderBlock(w, headers)
}

func writeHeaderBlock(w io.Writer, headers textproto.MIMEHeader) error {
	for k, values := range headers {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func readResponseHead(r *bufio.Reader) (statusLine string, headers textproto.MIMEHeader, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	statusLine = strings.TrimRight(line, "\r\n")
	headers, err = textproto.NewReader(r).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	return statusLine, headers, nil
}

// forwardBody re-frames a chunked body chunk by chunk, copies a fixed
// Content-Length body, or copies until EOF when neither is present (only
// valid for the response direction; on the request direction an absent
// framing header means no body). Every byte moved is reserved against
// handle first, per §4.8.4 ("writing in either direction reserves
// capacity from the limiter"), and reported to stats if non-nil.
func forwardBody(r *bufio.Reader, w io.Writer, headers textproto.MIMEHeader, allowUntilClose bool, handle *bandwidth.Handle, dir bandwidth.Direction, chunkSize int, stats StatsRecorder) error {
	te := strings.ToLower(headers.Get("Transfer-Encoding"))
	cl := headers.Get("Content-Length")

	switch {
	case strings.Contains(te, "chunked"):
		return forwardChunkedBody(r, w, handle, dir, chunkSize, stats)
	case cl != "":
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("httpproxy: invalid content-length %q", cl)
		}
		return copyNWithBandwidth(w, r, n, handle, dir, chunkSize, stats)
	case allowUntilClose:
		return copyUntilCloseWithBandwidth(w, r, handle, dir, chunkSize, stats)
	default:
		return nil
	}
}

// forwardChunkedBody forwards a chunked body re-framed chunk by chunk,
// dropping any chunk extensions, grounded on the teacher's
// readChunkedBody loop (size line, body, trailing CRLF, trailers).
func forwardChunkedBody(r *bufio.Reader, w io.Writer, handle *bandwidth.Handle, dir bandwidth.Direction, chunkSize int, stats StatsRecorder) error {
	tp := textproto.NewReader(r)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return err
		}
		sizeStr := strings.TrimSpace(strings.Split(line, ";")[0])
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return fmt.Errorf("httpproxy: invalid chunk size %q", line)
		}

		if _, err := fmt.Fprintf(w, "%x\r\n", size); err != nil {
			return err
		}
		if size == 0 {
			break
		}
		if err := copyNWithBandwidth(w, tp.R, size, handle, dir, chunkSize, stats); err != nil {
			return err
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		// Non-goal: trailer fields are dropped, not forwarded (§F).
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// copyNWithBandwidth forwards exactly n bytes from r to w, reserving
// each read against handle the same way internal/datatransfer gates a
// tunnel's relay loop, so ordinary HTTP request/response bodies draw
// down the same per-user/per-domain quota a CONNECT tunnel would.
func copyNWithBandwidth(w io.Writer, r io.Reader, n int64, handle *bandwidth.Handle, dir bandwidth.Direction, chunkSize int, stats StatsRecorder) error {
	buf := make([]byte, chunkSize)
	for n > 0 {
		want := int64(len(buf))
		if want > n {
			want = n
		}
		reservation := handle.Reserve(dir, want)
		if reservation.Capacity == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		toRead := reservation.Capacity
		if toRead > n {
			toRead = n
		}
		rn, err := r.Read(buf[:toRead])
		transferred := int64(0)
		if rn > 0 {
			transferred = int64(rn)
		}
		handle.Release(dir, reservation, transferred)

		if rn > 0 {
			if _, werr := w.Write(buf[:rn]); werr != nil {
				return werr
			}
			n -= int64(rn)
			recordBytes(stats, dir, int64(rn))
		}
		if err != nil {
			if err == io.EOF {
				if n == 0 {
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// copyUntilCloseWithBandwidth forwards r to w until EOF, the bandwidth-
// gated equivalent of io.Copy used for a close-terminated response body.
func copyUntilCloseWithBandwidth(w io.Writer, r io.Reader, handle *bandwidth.Handle, dir bandwidth.Direction, chunkSize int, stats StatsRecorder) error {
	buf := make([]byte, chunkSize)
	for {
		reservation := handle.Reserve(dir, int64(len(buf)))
		if reservation.Capacity == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rn, err := r.Read(buf[:reservation.Capacity])
		transferred := int64(0)
		if rn > 0 {
			transferred = int64(rn)
		}
		handle.Release(dir, reservation, transferred)

		if rn > 0 {
			if _, werr := w.Write(buf[:rn]); werr != nil {
				return werr
			}
			recordBytes(stats, dir, int64(rn))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func recordBytes(stats StatsRecorder, dir bandwidth.Direction, n int64) {
	if stats == nil {
		return
	}
	if dir == bandwidth.ToUser {
		stats.BytesToUser(n)
	} else {
		stats.BytesToTarget(n)
	}
}

func writeSimpleResponse(conn net.Conn, code int, reason string) {
	body := fmt.Sprintf("%d %s", code, reason)
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
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

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// isInternalResolveError reports whether a DNS failure stems from this
// ACL's own configuration (no nameservers set) rather than the target
// hostname genuinely failing to resolve — §4.8.3 reserves 500 for the
// former and 502 for the latter.
func isInternalResolveError(err error) bool {
	return strings.Contains(err.Error(), "no nameservers configured")
}
