package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseServerAddress(t *testing.T) {
	assert.Equal(t, ServerAddress{Type: ServerAddressInviteCode, ConnectionString: "+abc123"}, ParseServerAddress(" +abc123 "))
	assert.Equal(t, ServerAddress{Type: ServerAddressDirect, ConnectionString: "host:3979"}, ParseServerAddress("host:3979"))
	assert.True(t, ParseServerAddress("+x").IsInviteCode())
}

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		cs   string
		host string
		port uint16
	}{
		{"example.org", "example.org", 3976},
		{"example.org:1234", "example.org", 1234},
		{"example.org:notaport", "example.org", 3976},
		{"127.0.0.1:80", "127.0.0.1", 80},
		{"[::1]", "::1", 3976},
		{"[::1]:4000", "::1", 4000},
		{"2001:db8::1", "2001:db8::1", 3976},
	}
	for _, tt := range tests {
		t.Run(tt.cs, func(t *testing.T) {
			a := ParseConnectionString(tt.cs, 3976)
			assert.Equal(t, tt.host, a.GetHostname())
			assert.Equal(t, tt.port, a.GetPort())
		})
	}
}

func TestParseFullConnectionString(t *testing.T) {
	a, company, ok := ParseFullConnectionString("host:1#3", 3976)
	assert.True(t, ok)
	assert.Equal(t, 3, company)
	assert.Equal(t, "host", a.GetHostname())
	assert.Equal(t, uint16(1), a.GetPort())

	_, _, ok = ParseFullConnectionString("host", 3976)
	assert.False(t, ok)
}

func TestFormatConnectionString(t *testing.T) {
	assert.Equal(t, "[::1]:3976", FormatConnectionString("::1", 3976))
	assert.Equal(t, "1.2.3.4:5", FormatConnectionString("1.2.3.4", 5))
	assert.Equal(t, "host:7", NormalizeConnectionString("host:7", 3976))
	assert.Equal(t, "[2001:db8::1]:3976", NormalizeConnectionString("2001:db8::1", 3976))
}
