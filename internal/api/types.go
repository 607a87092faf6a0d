package api

import (
	"time"

	"github.com/rsclarke/vpnstate/internal/models"
)

type SessionRecord struct {
	SessionKey      string  `json:"session_key"`
	ServerID        int64   `json:"server_id"`
	Protocol        string  `json:"protocol"`
	IdentityKey     string  `json:"identity_key"`
	UserID          *int64  `json:"user_id"`
	ClientAddress   *string `json:"client_address"`
	VirtualAddress  *string `json:"virtual_address"`
	BytesIn         int64   `json:"bytes_in"`
	BytesOut        int64   `json:"bytes_out"`
	ConnectedAt     string  `json:"connected_at"`
	LastSeenAt      *string `json:"last_seen_at"`
	DisconnectedAt  *string `json:"disconnected_at"`
	Connected       bool    `json:"connected"`
	SessionDuration *int64  `json:"session_duration"`
}

type SnapshotRequest struct {
	ServerID  int64           `json:"server_id"`
	Timestamp string          `json:"timestamp"`
	Sessions  []SessionRecord `json:"sessions"`
}

type ServerInfo struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Address           string `json:"address"`
	SupportsOpenVPN   bool   `json:"supports_openvpn"`
	SupportsWireGuard bool   `json:"supports_wireguard"`
	Deployed          bool   `json:"deployed"`
	ActiveSessions    int    `json:"active_sessions"`
}

type ListServersResponse struct {
	Servers []ServerInfo `json:"servers"`
}

type ListSessionsResponse struct {
	Sessions []SessionRecord `json:"sessions"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// FormatTime renders a unix timestamp as RFC3339 UTC.
func FormatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func formatOptional(unix *int64) *string {
	if unix == nil {
		return nil
	}
	s := FormatTime(*unix)
	return &s
}

// NewSessionRecord converts a stored session for the wire.
func NewSessionRecord(s models.Session) SessionRecord {
	return SessionRecord{
		SessionKey:      s.SessionKey,
		ServerID:        s.ServerID,
		Protocol:        string(s.Protocol),
		IdentityKey:     s.IdentityKey,
		UserID:          s.UserID,
		ClientAddress:   s.ClientAddress,
		VirtualAddress:  s.VirtualAddress,
		BytesIn:         s.BytesIn,
		BytesOut:        s.BytesOut,
		ConnectedAt:     FormatTime(s.ConnectedAt),
		LastSeenAt:      formatOptional(s.LastSeenAt),
		DisconnectedAt:  formatOptional(s.DisconnectedAt),
		Connected:       s.Connected,
		SessionDuration: s.SessionDuration,
	}
}

// NewSessionRecords converts a slice, never returning nil.
func NewSessionRecords(sessions []models.Session) []SessionRecord {
	out := make([]SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, NewSessionRecord(s))
	}
	return out
}
