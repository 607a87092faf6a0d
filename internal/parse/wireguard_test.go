package parse

import (
	"strings"
	"testing"
)

const wgInterfaceLine = "cHJpdmF0ZWtleQ==\tcHVibGlja2V5\t51820\toff"

func TestWireGuard_PeerRows(t *testing.T) {
	raw := strings.Join([]string{
		wgInterfaceLine,
		"peerA=\t(none)\t203.0.113.9:40123\t10.7.0.2/32,fd00::2/128\t1700000000\t1234\t5678\t25",
		"peerB=\t(none)\t(none)\t10.7.0.3/32\t0\t0\t0\toff",
	}, "\n")

	records, stats := WireGuard(raw)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if stats.Lines != 3 || stats.Skipped != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	a := records[0]
	if a.IdentityKey != "peerA=" || a.SessionKey != "wg:peerA=" {
		t.Errorf("identity/session key = %q/%q", a.IdentityKey, a.SessionKey)
	}
	if a.ClientAddress != "203.0.113.9" {
		t.Errorf("client address = %q", a.ClientAddress)
	}
	if a.VirtualAddress != "10.7.0.2" {
		t.Errorf("virtual address = %q", a.VirtualAddress)
	}
	if a.BytesIn != 1234 || a.BytesOut != 5678 {
		t.Errorf("bytes = %d/%d", a.BytesIn, a.BytesOut)
	}
	if a.SeenAt == nil || a.SeenAt.Unix() != 1700000000 {
		t.Errorf("seen at = %v, want epoch 1700000000", a.SeenAt)
	}

	b := records[1]
	if b.SeenAt != nil {
		t.Errorf("peer without handshake should have nil seen at, got %v", b.SeenAt)
	}
	if b.ClientAddress != "" {
		t.Errorf("(none) endpoint should be empty, got %q", b.ClientAddress)
	}
}

func TestWireGuard_SinglePeer(t *testing.T) {
	raw := wgInterfaceLine + "\n" + "peerC=\t(none)\t[2001:db8::5]:51820\t(none)\t1700000000\t1\t2\toff\n"

	records, _ := WireGuard(raw)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].SeenAt == nil || records[0].SeenAt.Unix() != 1700000000 {
		t.Errorf("seen at = %v", records[0].SeenAt)
	}
	if records[0].ClientAddress != "2001:db8::5" {
		t.Errorf("client address = %q", records[0].ClientAddress)
	}
	if records[0].VirtualAddress != "" {
		t.Errorf("(none) allowed ips should be empty, got %q", records[0].VirtualAddress)
	}
}

func TestWireGuard_ShortLinesSkipped(t *testing.T) {
	raw := wgInterfaceLine + "\n" +
		"peerD=\t(none)\t192.0.2.1:1\t10.7.0.4/32\t1700000000\t1\n" +
		"peerE=\t(none)\t192.0.2.2:1\t10.7.0.5/32\t1700000000\tx\t2\toff\n"

	records, stats := WireGuard(raw)
	if len(records) != 0 {
		t.Errorf("expected no records, got %+v", records)
	}
	if stats.Skipped != 2 {
		t.Errorf("expected 2 skipped lines, got %d", stats.Skipped)
	}
}

func TestWireGuard_InterfaceOnly(t *testing.T) {
	records, stats := WireGuard(wgInterfaceLine + "\n")
	if len(records) != 0 || stats.Skipped != 0 {
		t.Errorf("expected empty result, got %d records, stats %+v", len(records), stats)
	}
}

func TestHandshakeTime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int64
		nil  bool
	}{
		{"seconds", "1700000000", 1700000000, false},
		{"milliseconds", "1700000000123", 1700000000, false},
		{"nanoseconds", "1700000000123456789", 1700000000, false},
		{"zero", "0", 0, true},
		{"empty", "", 0, true},
		{"garbage", "soon", 0, true},
		{"negative", "-5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HandshakeTime(tt.in)
			if tt.nil {
				if got != nil {
					t.Errorf("expected nil, got %v", got)
				}
				return
			}
			if got == nil || got.Unix() != tt.want {
				t.Errorf("HandshakeTime(%q) = %v, want %d", tt.in, got, tt.want)
			}
		})
	}
}
