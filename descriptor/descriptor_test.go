package descriptor

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vmess(json string) string {
	return "vmess://" + base64.StdEncoding.EncodeToString([]byte(json))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Endpoint
		wantErr error
	}{
		{
			name: "vmess_numeric_port",
			in:   vmess(`{"v":"2","ps":"tokyo","add":"203.0.113.7","port":8443,"id":"x"}`),
			want: Endpoint{Protocol: "vmess", Host: "203.0.113.7", Port: 8443, Remarks: "tokyo"},
		},
		{
			name: "vmess_string_port_unpadded",
			in:   strings.TrimRight(vmess(`{"add":"node.example.net","port":"443"}`), "="),
			want: Endpoint{Protocol: "vmess", Host: "node.example.net", Port: 443},
		},
		{
			name: "vmess_default_port",
			in:   vmess(`{"add":"node.example.net"}`),
			want: Endpoint{Protocol: "vmess", Host: "node.example.net", Port: 443},
		},
		{
			name: "trojan",
			in:   "trojan://secret@198.51.100.2:443?sni=x#my%20node",
			want: Endpoint{Protocol: "trojan", Host: "198.51.100.2", Port: 443, Remarks: "my node"},
		},
		{
			name: "ss_legacy",
			in:   "ss://" + base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:pw@192.0.2.10:8388")) + "#hk",
			want: Endpoint{Protocol: "ss", Host: "192.0.2.10", Port: 8388, Remarks: "hk"},
		},
		{
			name: "ss_sip002",
			in:   "ss://" + base64.RawURLEncoding.EncodeToString([]byte("chacha20-ietf-poly1305:pw")) + "@192.0.2.11:443#sg",
			want: Endpoint{Protocol: "ss", Host: "192.0.2.11", Port: 443, Remarks: "sg"},
		},
		{
			name: "vless_ipv6",
			in:   "vless://uuid@[2001:db8::1]:443?type=ws",
			want: Endpoint{Protocol: "vless", Host: "2001:db8::1", Port: 443},
		},
		{
			name:    "no_scheme",
			in:      "203.0.113.7:443",
			wantErr: ErrUnsupported,
		},
		{
			name:    "vmess_missing_host",
			in:      vmess(`{"port":443}`),
			wantErr: ErrMissingEndpoint,
		},
		{
			name:    "trojan_missing_port",
			in:      "trojan://secret@198.51.100.2",
			wantErr: ErrMissingEndpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseGarbage(t *testing.T) {
	for _, in := range []string{"vmess://!!!notbase64", "ss://@@@", "vmess://" + base64.StdEncoding.EncodeToString([]byte("not json"))} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestEndpointAddress(t *testing.T) {
	assert.Equal(t, "203.0.113.7:443", Endpoint{Host: "203.0.113.7", Port: 443}.Address())
	assert.Equal(t, "[2001:db8::1]:8443", Endpoint{Host: "2001:db8::1", Port: 8443}.Address())
}

func TestDedupe(t *testing.T) {
	a := "trojan://one@198.51.100.2:443#a"
	sameEndpoint := "trojan://two@198.51.100.2:443#b"
	b := vmess(`{"add":"198.51.100.3","port":443}`)

	got := Dedupe([]string{
		"",
		"# comment",
		a,
		"  " + b + "\r",
		sameEndpoint,
		"garbage",
		"garbage",
		b,
	})

	assert.Equal(t, []string{a, b, "garbage"}, got)
}
