// Package parse converts raw OpenVPN and WireGuard status text into
// protocol-agnostic session records. Everything here is pure: no I/O and no
// clock reads beyond the "now" the caller passes in.
package parse

import (
	"strings"
	"time"
)

// Record is one client observed in a status snapshot.
type Record struct {
	// IdentityKey is the OpenVPN username (or common name) or the
	// WireGuard public key.
	IdentityKey string
	// SessionKey is unique per server and stable across polls of the same
	// connection.
	SessionKey     string
	ClientAddress  string
	VirtualAddress string
	BytesIn        int64
	BytesOut       int64
	// SeenAt is nil for a WireGuard peer that never completed a handshake.
	SeenAt *time.Time
	// ConnectedSince is only meaningful when ConnectedSinceKnown is true.
	ConnectedSince      time.Time
	ConnectedSinceKnown bool
}

// Stats summarises a parse run.
type Stats struct {
	Lines   int
	Records int
	Skipped int
}

// SplitHostPort splits addr on its last colon, so IPv6 hosts survive.
// Bracketed hosts ("[2001:db8::1]:51000") are unwrapped, and an address
// without a port is returned whole.
func SplitHostPort(addr string) (host, port string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == "(none)" {
		return "", ""
	}

	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end != -1 {
			host = addr[1:end]
			rest := addr[end+1:]
			if strings.HasPrefix(rest, ":") {
				port = rest[1:]
			}
			return host, port
		}
	}

	i := strings.LastIndex(addr, ":")
	if i == -1 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

var addrPrefixes = []string{
	"[AF_INET6]", "[AF_INET]",
	"tcp4-server:", "tcp6-server:", "tcp-server:",
	"udp4:", "udp6:", "tcp4:", "tcp6:", "udp:", "tcp:",
}

// stripProtoPrefix removes the transport tags OpenVPN prepends to real
// addresses on multi-protocol servers.
func stripProtoPrefix(addr string) string {
	for _, p := range addrPrefixes {
		if strings.HasPrefix(addr, p) {
			return addr[len(p):]
		}
	}
	return addr
}

func nullable(s string) string {
	s = strings.TrimSpace(s)
	if s == "(none)" {
		return ""
	}
	return s
}

func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")
	return strings.Split(raw, "\n")
}
