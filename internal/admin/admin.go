// Package admin implements the administrative HTTP API from §6: live
// config/user-list replacement, the ACL listing, a Prometheus-backed
// stats route, and the two synthetic debug probes. Grounded on
// jroosing-HydraDNS/internal/api's gin.Engine + http.Server wrapping and
// its middleware package (token/content-type gating mirrors its
// RequireAPIKey, generalized per §6's admin-token and text/plain
// contract rather than HydraDNS's JSON API-key header).
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arataga-proxy/arataga/internal/acl"
	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/broadcast"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
	"github.com/arataga-proxy/arataga/internal/stats"
	"github.com/arataga-proxy/arataga/internal/userlist"
	pkgerrors "github.com/arataga-proxy/arataga/pkg/errors"
)

const adminTokenHeader = "Arataga-Admin-Token"

// Config bundles the admin server's own settings: where it listens, the
// shared secret clients must present, and where accepted config/user-list
// bodies are persisted (§6 "Persisted state").
type Config struct {
	ListenAddr      string
	Token           string
	LocalConfigPath string
}

func (c Config) localConfigFile() string {
	return filepath.Join(c.LocalConfigPath, "local-config.cfg")
}

func (c Config) localUserListFile() string {
	return filepath.Join(c.LocalConfigPath, "local-user-list.cfg")
}

// Deps are the running components the admin API fronts.
type Deps struct {
	ConfigTopic *broadcast.Topic[config.Snapshot]
	ACLManager  *acl.Manager
	Stats       *stats.Collector
	Log         *slog.Logger
}

// Server is the gin-based admin HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	srv    *http.Server

	mu       sync.RWMutex
	snapshot config.Snapshot
}

// New builds a Server with every route registered, seeded with snap as
// the config to report from GET /acls until the first POST /config.
func New(cfg Config, deps Deps, snap config.Snapshot) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, deps: deps, engine: engine, snapshot: snap}

	engine.Use(s.requireToken)

	engine.POST("/config", s.contentTypeTextPlain, s.postConfig)
	engine.GET("/acls", s.getACLs)
	engine.POST("/users", s.contentTypeTextPlain, s.postUsers)
	engine.GET("/stats", s.getStats)
	engine.GET("/debug/auth", s.debugAuth)
	engine.GET("/debug/dns-resolve", s.debugDNSResolve)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for tests using
// httptest.NewRecorder without binding a real socket.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Addr reports the address the HTTP server is configured to bind.
func (s *Server) Addr() string { return s.srv.Addr }

// ListenAndServe blocks serving the admin API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Bind opens the admin listener without yet serving requests on it,
// so cmd/arataga's startup sequencing (§E's two-stage start: "wait for
// the admin HTTP server's first successful bind before letting the ACL
// manager start accepting") can observe a successful bind before it
// proceeds to start the proxy itself.
func (s *Server) Bind() (net.Listener, error) {
	return net.Listen("tcp", s.srv.Addr)
}

// Serve runs the admin HTTP server on a listener obtained from Bind.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requireToken enforces "A custom header Arataga-Admin-Token is
// required on every request" (§6).
func (s *Server) requireToken(c *gin.Context) {
	if s.cfg.Token == "" || c.GetHeader(adminTokenHeader) != s.cfg.Token {
		c.Data(http.StatusForbidden, "text/plain", []byte("No valid admin credentials supplied\n"))
		c.Abort()
		return
	}
	c.Next()
}

// contentTypeTextPlain enforces "For POST endpoints the Content-Type
// must be text/plain" (§6).
func (s *Server) contentTypeTextPlain(c *gin.Context) {
	mediaType := c.ContentType()
	if mediaType != "text/plain" {
		c.Data(http.StatusBadRequest, "text/plain", []byte("Content is expected in text/plain format\n"))
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) readBody(c *gin.Context) (string, bool) {
	body, err := c.GetRawData()
	if err != nil {
		c.Data(http.StatusBadRequest, "text/plain", []byte("failed to read request body: "+err.Error()+"\n"))
		return "", false
	}
	return string(body), true
}

// postConfig implements "POST /config (replace runtime config; body is
// the config text)". A parse failure aborts before touching the running
// snapshot or the persisted file, matching §7/original's
// config_processor: "reject a live POST /config whose parse fails before
// touching the running snapshot".
func (s *Server) postConfig(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	snap, err := config.Parse(body)
	if err != nil {
		s.deps.Log.Warn("rejected POST /config", "error", err)
		c.Data(http.StatusInternalServerError, "text/plain", []byte(err.Error()+"\n"))
		return
	}

	if err := writeLocalFile(s.cfg.localConfigFile(), body); err != nil {
		s.deps.Log.Error("failed to persist local config", "error", err)
		c.Data(http.StatusInternalServerError, "text/plain", []byte("failed to persist config: "+err.Error()+"\n"))
		return
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	s.deps.ConfigTopic.Publish(snap)

	c.Data(http.StatusOK, "text/plain", []byte("Config accepted.\n"))
}

// postUsers implements "POST /users (replace user list)".
func (s *Server) postUsers(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	snap, err := userlist.Parse(body)
	if err != nil {
		s.deps.Log.Warn("rejected POST /users", "error", err)
		c.Data(http.StatusInternalServerError, "text/plain", []byte(err.Error()+"\n"))
		return
	}

	if err := writeLocalFile(s.cfg.localUserListFile(), body); err != nil {
		s.deps.Log.Error("failed to persist local user list", "error", err)
		c.Data(http.StatusInternalServerError, "text/plain", []byte("failed to persist user list: "+err.Error()+"\n"))
		return
	}

	s.deps.ACLManager.LoadUsers(snap.ByIP, snap.ByLogin, snap.SiteLimits)

	c.Data(http.StatusOK, "text/plain", []byte("User list accepted.\n"))
}

// getACLs implements "GET /acls".
func (s *Server) getACLs(c *gin.Context) {
	acls := s.deps.ACLManager.ACLs()
	var body []byte
	for _, a := range acls {
		line := fmt.Sprintf("acl %s %s %d %s\n", a.Hint, a.InIP, a.Port, a.EgressIP)
		body = append(body, line...)
	}
	c.Data(http.StatusOK, "text/plain", body)
}

// getStats implements "GET /stats" by serving the process-wide
// Prometheus registry in its standard exposition format — the live
// statistics route and the Prometheus scrape target are the same
// endpoint here, since both report the same counters.
func (s *Server) getStats(c *gin.Context) {
	promhttp.HandlerFor(s.deps.Stats.Registry(), promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// debugAuth implements "GET /debug/auth?..." (synthetic authentication
// probe), mirroring the original's debug_requests::authentificate_t
// query parameters: proxy-in-addr, proxy-port, user-ip, target-host,
// target-port, and optionally username/password.
func (s *Server) debugAuth(c *gin.Context) {
	q := c.Request.URL.Query()

	inIP := net.ParseIP(q.Get("proxy-in-addr"))
	userIP := net.ParseIP(q.Get("user-ip"))
	inPort, err1 := strconv.ParseUint(q.Get("proxy-port"), 10, 16)
	targetPort, err2 := strconv.ParseUint(q.Get("target-port"), 10, 16)
	targetHost := q.Get("target-host")

	if inIP == nil || userIP == nil || targetHost == "" || err1 != nil || err2 != nil {
		c.Data(http.StatusBadRequest, "text/plain", []byte("Error during parsing request parameters\n"))
		return
	}

	req := authenticator.Request{
		InIP:       inIP,
		InPort:     uint16(inPort),
		ClientIP:   userIP,
		Username:   q.Get("username"),
		Password:   q.Get("password"),
		TargetHost: targetHost,
		TargetPort: uint16(targetPort),
	}

	res, err := s.deps.ACLManager.DebugAuthenticator().Authenticate(c.Request.Context(), req)
	if err != nil {
		authErr := pkgerrors.NewAuthError("debug-authenticate", err.Error())
		c.Data(http.StatusInternalServerError, "text/plain", []byte(authErr.Error()+"\n"))
		return
	}
	if !res.OK {
		c.Data(http.StatusOK, "text/plain", []byte(fmt.Sprintf("Failed authentication: %s\n", res.Failure)))
		return
	}
	defer res.Handle.Close()

	reply := "Successful authentication.\n"
	if res.MatchedDomain != "" {
		reply += fmt.Sprintf("domain limit match: %s\n", res.MatchedDomain)
	}
	c.Data(http.StatusOK, "text/plain", []byte(reply))
}

// debugDNSResolve implements "GET /debug/dns-resolve?..." (synthetic DNS
// probe). It reads the query parameters target-host and, optionally,
// ip-version ("ipv6" selects IPv6, anything else IPv4), and resolves
// through the first I/O group's resolver.
func (s *Server) debugDNSResolve(c *gin.Context) {
	q := c.Request.URL.Query()

	targetHost := q.Get("target-host")
	if targetHost == "" {
		c.Data(http.StatusBadRequest, "text/plain", []byte("Error during parsing request parameters: target-host is required\n"))
		return
	}

	version := dnsresolver.IPv4
	if q.Get("ip-version") == "ipv6" {
		version = dnsresolver.IPv6
	}

	ip, err := s.deps.ACLManager.DebugResolver().Resolve(c.Request.Context(), targetHost, version)
	if err != nil {
		c.Data(http.StatusOK, "text/plain", []byte(fmt.Sprintf("Failed to resolve %q: %s\n", targetHost, err)))
		return
	}
	c.Data(http.StatusOK, "text/plain", []byte(fmt.Sprintf("%s resolved to %s\n", targetHost, ip)))
}

// writeLocalFile truncates and rewrites path with content, matching §6's
// "On any accepted POST /config or POST /users, the received text is
// written to <local-config-path>/... (truncate, rewrite)".
func writeLocalFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
