package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegisproxy/aegis/backend/internal/models"
)

func TestWhitelistMatching(t *testing.T) {
	w := NewWhitelist()
	skipped := w.Replace([]models.IPWhitelist{
		{IPAddress: "192.0.2.10"},
		{IPRange: "203.0.113.0/24"},
		{IPAddress: "2001:db8::1"},
		{IPRange: "2001:db8:f00::/48"},
		{IPAddress: "not an ip"},
		{IPRange: "203.0.113.0"}, // missing prefix length
		{},                       // neither field set
	})
	assert.Equal(t, 3, skipped)

	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.10", true},
		{"192.0.2.11", false},
		{"203.0.113.9", true},
		{"203.0.113.255", true},
		{"203.0.114.1", false},
		{"2001:db8::1", true},
		{"2001:db8::2", false},
		{"2001:db8:f00:1::9", true},
		{"::ffff:192.0.2.10", true}, // 4-in-6 unmapped before matching
		{"garbage", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.Contains(tt.ip), "ip %q", tt.ip)
	}
}

func TestWhitelistReplaceSwapsAtomically(t *testing.T) {
	w := NewWhitelist()
	w.Replace([]models.IPWhitelist{{IPAddress: "192.0.2.10"}})
	assert.True(t, w.Contains("192.0.2.10"))

	w.Replace([]models.IPWhitelist{{IPAddress: "192.0.2.11"}})
	assert.False(t, w.Contains("192.0.2.10"))
	assert.True(t, w.Contains("192.0.2.11"))
}

func TestEmptyWhitelistMatchesNothing(t *testing.T) {
	w := NewWhitelist()
	assert.False(t, w.Contains("192.0.2.10"))
}
