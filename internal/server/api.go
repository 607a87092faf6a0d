// Package server exposes the session table over a read-only HTTP API.
package server

import (
	"bytes"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/api"
	"github.com/rsclarke/vpnstate/internal/db"
	"github.com/rsclarke/vpnstate/internal/logging"
)

// APIServer serves servers and sessions from the database.
type APIServer struct {
	DB     *sql.DB
	Token  string
	Logger *zap.Logger
}

// AuthMiddleware requires a bearer token matching s.Token. An empty token
// disables authentication.
func (s *APIServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		presented := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler for the API server.
func (s *APIServer) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("GET /v1/servers", s.handleListServers)
	protected.HandleFunc("GET /v1/servers/{id}/sessions", s.handleServerSessions)
	protected.HandleFunc("GET /v1/sessions", s.handleActiveSessions)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/", s.AuthMiddleware(protected))
	return mux
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.PingContext(r.Context()); err != nil {
		s.logger().Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *APIServer) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := db.ListServers(r.Context(), s.DB)
	if err != nil {
		s.logger().Error("list servers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	counts, err := db.CountActiveByServer(r.Context(), s.DB)
	if err != nil {
		s.logger().Error("count active sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	resp := api.ListServersResponse{
		Servers: make([]api.ServerInfo, 0, len(servers)),
	}
	for _, srv := range servers {
		resp.Servers = append(resp.Servers, api.ServerInfo{
			ID:                srv.ID,
			Name:              srv.Name,
			Address:           srv.Address,
			SupportsOpenVPN:   srv.SupportsOpenVPN,
			SupportsWireGuard: srv.SupportsWireGuard,
			Deployed:          srv.Deployed,
			ActiveSessions:    counts[srv.ID],
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleServerSessions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	srv, err := db.GetServer(r.Context(), s.DB, id)
	if err != nil {
		s.logger().Error("get server", logging.ServerID(id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if srv == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	activeOnly := true
	if all := r.URL.Query().Get("all"); all == "1" || all == "true" {
		activeOnly = false
	}

	sessions, err := db.ListSessionsByServer(r.Context(), s.DB, id, activeOnly)
	if err != nil {
		s.logger().Error("list sessions", logging.ServerID(id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	writeJSON(w, http.StatusOK, api.ListSessionsResponse{Sessions: api.NewSessionRecords(sessions)})
}

func (s *APIServer) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := db.ListActiveSessions(r.Context(), s.DB)
	if err != nil {
		s.logger().Error("list active sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, api.ListSessionsResponse{Sessions: api.NewSessionRecords(sessions)})
}

func (s *APIServer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
