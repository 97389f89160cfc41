package nodeid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "vmess://abc", "vmess://abc"},
		{"trailing_newline", "vmess://abc\n", "vmess://abc"},
		{"crlf_inside", "vmess://a\r\nbc", "vmess://abc"},
		{"spaces", "  trojan://x@h:443 #name ", "trojan://x@h:443#name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestIDDeterministic(t *testing.T) {
	inputs := []string{
		"vmess://X",
		"  vmess://X\n",
		"ss://Y#remark",
		"",
	}
	for _, in := range inputs {
		id := ID(in)
		assert.Len(t, string(id), Width)
		assert.Equal(t, id, ID(in))
		assert.Equal(t, id, ID(Normalize(in)))
	}
}

func TestIDWhitespaceVariantsShareIdentity(t *testing.T) {
	assert.Equal(t, ID("vmess://X"), ID("vmess://X \n"))
	assert.Equal(t, ID("vmess://X"), ID("\tvmess://X\r\n"))
}

func TestIDDistinct(t *testing.T) {
	seen := map[NodeID]string{}
	for _, d := range []string{"vmess://A", "vmess://B", "trojan://A", "ss://A", "vmess://AA"} {
		id := ID(d)
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision between %q and %q", prev, d)
		}
		seen[id] = d
	}
}

func TestShort(t *testing.T) {
	id := ID("vmess://X")
	assert.Len(t, id.Short(), 8)
	assert.Equal(t, "abc", NodeID("abc").Short())
}
