package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/api"
	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/models"
)

const testToken = "s3cret"

func setupTestAPIServer(t *testing.T) (*APIServer, int64) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	id, err := db.CreateServer(ctx, database, &models.Server{
		Name:            "edge-1",
		Address:         "198.51.100.7",
		SSHPort:         22,
		SSHUser:         "root",
		SupportsOpenVPN: true,
		Deployed:        true,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	now := time.Now().Unix()
	seedSession(t, database, id, "ovpn:alice@203.0.113.5:51000", now, true)
	seedSession(t, database, id, "ovpn:bob@203.0.113.9:40000", now, false)

	return &APIServer{DB: database, Token: testToken, Logger: zap.NewNop()}, id
}

func seedSession(t *testing.T, database *sql.DB, serverID int64, key string, now int64, connected bool) {
	t.Helper()
	s := models.Session{
		ServerID:    serverID,
		SessionKey:  key,
		Protocol:    models.ProtocolOpenVPN,
		IdentityKey: key,
		ConnectedAt: now - 120,
		LastSeenAt:  &now,
		Connected:   connected,
		UpdatedAt:   now,
	}
	if !connected {
		d := int64(120)
		s.DisconnectedAt = &now
		s.SessionDuration = &d
	}
	if err := db.UpsertSession(context.Background(), database, &s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func doRequest(t *testing.T, srv *APIServer, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/servers", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp api.ErrorResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error != "unauthorized" {
		t.Errorf("expected error 'unauthorized', got %q", resp.Error)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/servers", "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	srv, _ := setupTestAPIServer(t)
	srv.Token = ""

	w := doRequest(t, srv, "/v1/servers", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 without configured token, got %d", w.Code)
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	w := doRequest(t, srv, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp api.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestListServers(t *testing.T) {
	srv, id := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/servers", testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp api.ListServersResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(resp.Servers))
	}
	got := resp.Servers[0]
	if got.ID != id || got.Name != "edge-1" || !got.SupportsOpenVPN || got.SupportsWireGuard {
		t.Errorf("unexpected server %+v", got)
	}
	if got.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", got.ActiveSessions)
	}
}

func TestServerSessions(t *testing.T) {
	srv, id := setupTestAPIServer(t)
	path := "/v1/servers/" + strconv.FormatInt(id, 10) + "/sessions"

	w := doRequest(t, srv, path, testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp api.ListSessionsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].SessionKey != "ovpn:alice@203.0.113.5:51000" {
		t.Errorf("expected only the active session, got %+v", resp.Sessions)
	}

	w = doRequest(t, srv, path+"?all=1", testToken)
	resp = api.ListSessionsResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions with all=1, got %d", len(resp.Sessions))
	}
	for _, s := range resp.Sessions {
		if s.Connected && s.DisconnectedAt != nil {
			t.Errorf("connected session %s has disconnected_at", s.SessionKey)
		}
		if !s.Connected && (s.DisconnectedAt == nil || s.SessionDuration == nil || *s.SessionDuration != 120) {
			t.Errorf("closed session %s missing close fields: %+v", s.SessionKey, s)
		}
	}
}

func TestServerSessions_NotFound(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/servers/9999/sessions", testToken)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServerSessions_BadID(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/servers/abc/sessions", testToken)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestActiveSessions(t *testing.T) {
	srv, id := setupTestAPIServer(t)

	w := doRequest(t, srv, "/v1/sessions", testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp api.ListSessionsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(resp.Sessions))
	}
	if resp.Sessions[0].ServerID != id || !resp.Sessions[0].Connected {
		t.Errorf("unexpected session %+v", resp.Sessions[0])
	}
}

func TestManagedServerLifecycle(t *testing.T) {
	srv, _ := setupTestAPIServer(t)

	m := NewManagedServer("api", DefaultServerConfig("127.0.0.1:0", srv.Handler(), zap.NewNop()))
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	resp, err := http.Get("http://" + m.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	if err, ok := <-m.Err(); ok {
		t.Errorf("unexpected serve error: %v", err)
	}
}

func TestManagedServerBindError(t *testing.T) {
	first := NewManagedServer("first", DefaultServerConfig("127.0.0.1:0", http.NotFoundHandler(), zap.NewNop()))
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Shutdown(context.Background())

	second := NewManagedServer("second", DefaultServerConfig(first.Addr(), http.NotFoundHandler(), zap.NewNop()))
	if err := second.Start(); err == nil {
		second.Shutdown(context.Background())
		t.Fatal("expected bind error on an address already in use")
	}
}
