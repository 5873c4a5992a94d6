package util

import (
	"net/http/httptest"
	"net/netip"
	"testing"
)

func mustTrusted(t *testing.T, entries ...string) *TrustedProxies {
	t.Helper()
	trusted, err := NewTrustedProxies(entries)
	if err != nil {
		t.Fatalf("new trusted proxies %v: %v", entries, err)
	}
	return trusted
}

func TestClientIP(t *testing.T) {
	proxies := mustTrusted(t, "10.0.0.0/8", "192.168.1.10", "fd00::/8")

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "forwarded headers ignored without trusted proxies",
			remoteAddr: "198.51.100.10:1234",
			xff:        "203.0.113.5",
			xrip:       "203.0.113.6",
			want:       "198.51.100.10",
		},
		{
			name:       "untrusted peer keeps its own address",
			remoteAddr: "198.51.100.10:1234",
			xff:        "203.0.113.5",
			trusted:    proxies,
			want:       "198.51.100.10",
		},
		{
			name:       "rightmost untrusted hop wins",
			remoteAddr: "10.0.0.20:1234",
			xff:        "198.51.100.1, 203.0.113.5, 10.0.0.10",
			trusted:    proxies,
			want:       "203.0.113.5",
		},
		{
			name:       "every hop trusted returns leftmost",
			remoteAddr: "10.0.0.20:1234",
			xff:        "10.0.0.5, 10.0.0.10",
			trusted:    proxies,
			want:       "10.0.0.5",
		},
		{
			name:       "ipv4-mapped peer matches ipv4 prefix",
			remoteAddr: "[::ffff:10.0.0.20]:1234",
			xff:        "203.0.113.5",
			trusted:    proxies,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv4-mapped forwarded hop is unmapped",
			remoteAddr: "10.0.0.20:1234",
			xff:        "::ffff:203.0.113.5",
			trusted:    proxies,
			want:       "203.0.113.5",
		},
		{
			name:       "ipv4-mapped untrusted peer is reported unmapped",
			remoteAddr: "[::ffff:198.51.100.10]:1234",
			trusted:    proxies,
			want:       "198.51.100.10",
		},
		{
			name:       "bare ip entry trusts only that address",
			remoteAddr: "192.168.1.10:443",
			xff:        "203.0.113.9",
			trusted:    proxies,
			want:       "203.0.113.9",
		},
		{
			name:       "neighbour of bare ip entry is not trusted",
			remoteAddr: "192.168.1.11:443",
			xff:        "203.0.113.9",
			trusted:    proxies,
			want:       "192.168.1.11",
		},
		{
			name:       "ipv6 proxy prefix",
			remoteAddr: "[fd00::1]:443",
			xff:        "2001:db8::7",
			trusted:    proxies,
			want:       "2001:db8::7",
		},
		{
			name:       "garbage hops are skipped",
			remoteAddr: "10.0.0.20:1234",
			xff:        "unknown, 203.0.113.5, ",
			trusted:    proxies,
			want:       "203.0.113.5",
		},
		{
			name:       "x-real-ip fallback is unmapped",
			remoteAddr: "10.0.0.20:1234",
			xff:        "invalid",
			xrip:       "::ffff:203.0.113.7",
			trusted:    proxies,
			want:       "203.0.113.7",
		},
		{
			name:       "trusted peer without forwarding headers",
			remoteAddr: "10.0.0.20:1234",
			trusted:    proxies,
			want:       "10.0.0.20",
		},
		{
			name:       "peer without port",
			remoteAddr: "198.51.100.10",
			want:       "198.51.100.10",
		},
		{
			name:       "unparsable peer returned verbatim",
			remoteAddr: " @unix-socket ",
			trusted:    proxies,
			want:       "@unix-socket",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if got := mustTrusted(t, "", "  "); got != nil {
		t.Fatalf("blank entries should trust nobody, got %+v", got)
	}
	for _, bad := range []string{"bad-cidr", "10.0.0.0/33", "300.1.1.1"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}

func TestTrustedProxiesContains(t *testing.T) {
	trusted := mustTrusted(t, " 10.1.2.3/8 ", "::ffff:192.168.1.10")

	tests := []struct {
		addr string
		want bool
	}{
		{addr: "10.200.0.1", want: true},
		{addr: "::ffff:10.200.0.1", want: true},
		{addr: "192.168.1.10", want: true},
		{addr: "192.168.1.11", want: false},
		{addr: "11.0.0.1", want: false},
		{addr: "2001:db8::1", want: false},
	}
	for _, tc := range tests {
		if got := trusted.Contains(netip.MustParseAddr(tc.addr)); got != tc.want {
			t.Errorf("Contains(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}

	if trusted.Contains(netip.Addr{}) {
		t.Fatalf("zero addr must not be trusted")
	}
	var none *TrustedProxies
	if none.Contains(netip.MustParseAddr("10.0.0.1")) {
		t.Fatalf("nil set must trust nobody")
	}
}
