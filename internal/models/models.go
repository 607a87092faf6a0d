// Package models defines the database entity types.
package models

// Protocol identifies the VPN flavour a session was observed on.
type Protocol string

// Supported protocols.
const (
	ProtocolOpenVPN   Protocol = "openvpn"
	ProtocolWireGuard Protocol = "wireguard"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolOpenVPN || p == ProtocolWireGuard
}

// Server represents a VPN endpoint record in the database.
type Server struct {
	ID                int64
	Name              string
	Address           string
	SSHPort           int
	SSHUser           string
	SupportsOpenVPN   bool
	SupportsWireGuard bool
	MgmtHost          string
	MgmtPort          int
	StatusPath        string
	WGInterface       string
	Deployed          bool
	CreatedAt         int64
}

// Protocols returns the protocols the server is expected to run.
func (s *Server) Protocols() []Protocol {
	var out []Protocol
	if s.SupportsOpenVPN {
		out = append(out, ProtocolOpenVPN)
	}
	if s.SupportsWireGuard {
		out = append(out, ProtocolWireGuard)
	}
	return out
}

// Session represents one client's connection record on one server.
// DisconnectedAt is nil iff Connected is true.
type Session struct {
	ID              int64
	ServerID        int64
	SessionKey      string
	Protocol        Protocol
	IdentityKey     string
	UserID          *int64
	ClientAddress   *string
	VirtualAddress  *string
	BytesIn         int64
	BytesOut        int64
	ConnectedAt     int64
	LastSeenAt      *int64
	DisconnectedAt  *int64
	Connected       bool
	SessionDuration *int64
	UpdatedAt       int64
}

// VPNUser is the local mirror of a panel user used for identity resolution.
type VPNUser struct {
	ID        int64
	Username  string
	PublicKey *string
	CreatedAt int64
}
