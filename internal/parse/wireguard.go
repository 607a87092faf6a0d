package parse

import (
	"strconv"
	"strings"
	"time"
)

const wgPeerFields = 8

// WireGuard parses "wg show <iface> dump" output. The first line describes
// the interface itself and is skipped; each further line is a peer:
//
//	public_key preshared_key endpoint allowed_ips latest_handshake rx_bytes tx_bytes persistent_keepalive
func WireGuard(raw string) ([]Record, Stats) {
	var records []Record
	var stats Stats

	first := true
	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		stats.Lines++
		if first {
			first = false
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < wgPeerFields {
			stats.Skipped++
			continue
		}

		publicKey := strings.TrimSpace(fields[0])
		if publicKey == "" {
			stats.Skipped++
			continue
		}

		rx, err := strconv.ParseInt(strings.TrimSpace(fields[5]), 10, 64)
		if err != nil {
			stats.Skipped++
			continue
		}
		tx, err := strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
		if err != nil {
			stats.Skipped++
			continue
		}

		host, _ := SplitHostPort(nullable(fields[2]))

		records = append(records, Record{
			IdentityKey:    publicKey,
			SessionKey:     WireGuardSessionKey(publicKey),
			ClientAddress:  host,
			VirtualAddress: firstAllowedIP(fields[3]),
			BytesIn:        rx,
			BytesOut:       tx,
			SeenAt:         HandshakeTime(fields[4]),
		})
	}

	stats.Records = len(records)
	return records, stats
}

// WireGuardSessionKey is the per-server session key of a peer.
func WireGuardSessionKey(publicKey string) string {
	return "wg:" + publicKey
}

// HandshakeTime normalises a latest_handshake value to a UTC time. Kernel
// and userspace implementations report seconds, milliseconds or
// nanoseconds; magnitude decides which. Zero, negative or garbage values
// mean the peer never completed a handshake and yield nil.
func HandshakeTime(v string) *time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	switch {
	case n >= 1e15:
		n /= 1e9
	case n >= 1e12:
		n /= 1e3
	}
	t := time.Unix(n, 0).UTC()
	return &t
}

func firstAllowedIP(v string) string {
	v = nullable(v)
	if v == "" {
		return ""
	}
	first := strings.TrimSpace(strings.Split(v, ",")[0])
	if i := strings.Index(first, "/"); i != -1 {
		first = first[:i]
	}
	return first
}
