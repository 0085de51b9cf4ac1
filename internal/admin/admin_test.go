package admin

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/arataga-proxy/arataga/internal/acl"
	"github.com/arataga-proxy/arataga/internal/broadcast"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	topic := broadcast.New[config.Snapshot]()
	mgr := acl.NewManager(discardLogger(), 1, topic)

	cfg := Config{Token: "secret", LocalConfigPath: dir}
	deps := Deps{
		ConfigTopic: topic,
		ACLManager:  mgr,
		Stats:       stats.New(),
		Log:         discardLogger(),
	}
	return New(cfg, deps, config.Default())
}

func doRequest(s *Server, method, path, body, contentType, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set(adminTokenHeader, token)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestRequireTokenRejectsMissingOrWrongToken(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/acls", "", "", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing token: status = %d, want 403", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/acls", "", "", "wrong")
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong token: status = %d, want 403", w.Code)
	}
}

func TestPostConfigRequiresTextPlain(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/config", "log_level info", "application/json", "secret")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostConfigAcceptsAndPersists(t *testing.T) {
	s := newTestServer(t)
	body := "log_level warn\nacl auto, port=1080, in_ip=127.0.0.1, out_ip=127.0.0.1\n"

	w := doRequest(s, http.MethodPost, "/config", body, "text/plain", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	persisted, err := os.ReadFile(s.cfg.localConfigFile())
	if err != nil {
		t.Fatalf("reading persisted config: %v", err)
	}
	if string(persisted) != body {
		t.Fatalf("persisted config = %q, want %q", persisted, body)
	}
}

func TestPostConfigRejectsBadGrammarWithoutPersisting(t *testing.T) {
	s := newTestServer(t)
	body := "this_is_not_a_real_key value\n"

	w := doRequest(s, http.MethodPost, "/config", body, "text/plain", "secret")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if _, err := os.Stat(filepath.Join(s.cfg.LocalConfigPath, "local-config.cfg")); err == nil {
		t.Fatal("a rejected config must not be persisted")
	}
}

func TestPostUsersAcceptsAndLoadsIntoManager(t *testing.T) {
	s := newTestServer(t)
	body := "by_ip 127.0.0.1 1080 10.0.0.5 user_id=alice bandlim.in=0 bandlim.out=0\n"

	w := doRequest(s, http.MethodPost, "/users", body, "text/plain", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	persisted, err := os.ReadFile(s.cfg.localUserListFile())
	if err != nil {
		t.Fatalf("reading persisted user list: %v", err)
	}
	if string(persisted) != body {
		t.Fatalf("persisted user list = %q, want %q", persisted, body)
	}
}

func TestDebugAuthRejectsMalformedQuery(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/debug/auth?proxy-in-addr=127.0.0.1", "", "", "secret")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDebugAuthReportsUnknownUser(t *testing.T) {
	s := newTestServer(t)
	path := "/debug/auth?proxy-in-addr=127.0.0.1&proxy-port=1080&user-ip=10.0.0.9" +
		"&target-host=example.com&target-port=443"
	w := doRequest(s, http.MethodGet, path, "", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("unknown_user")) {
		t.Fatalf("body = %q, want mention of unknown_user", w.Body.String())
	}
}

func TestGetStatsServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/stats", "", "", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("arataga_connections_accepted_total")) {
		t.Fatalf("stats body missing expected metric name: %s", w.Body.String())
	}
}
