package parse

import "testing"

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in, host, port string
	}{
		{"203.0.113.5:51000", "203.0.113.5", "51000"},
		{"[2001:db8::1]:51000", "2001:db8::1", "51000"},
		{"[2001:db8::1]", "2001:db8::1", ""},
		{"2001:db8::1:51000", "2001:db8::1", "51000"},
		{"vpn.example.com:1194", "vpn.example.com", "1194"},
		{"203.0.113.5", "203.0.113.5", ""},
		{"(none)", "", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port := SplitHostPort(tt.in)
			if host != tt.host || port != tt.port {
				t.Errorf("SplitHostPort(%q) = (%q, %q), want (%q, %q)", tt.in, host, port, tt.host, tt.port)
			}
		})
	}
}

func TestStripProtoPrefix(t *testing.T) {
	tests := map[string]string{
		"udp4:192.0.2.1:1194":        "192.0.2.1:1194",
		"tcp4-server:192.0.2.1:443":  "192.0.2.1:443",
		"[AF_INET6]2001:db8::1:1194": "2001:db8::1:1194",
		"192.0.2.1:1194":             "192.0.2.1:1194",
	}
	for in, want := range tests {
		if got := stripProtoPrefix(in); got != want {
			t.Errorf("stripProtoPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
