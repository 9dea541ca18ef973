package network

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubResolver(t *testing.T, table map[string][]netip.Addr) {
	t.Helper()
	orig := lookupNetIP
	lookupNetIP = func(_ context.Context, network, host string) ([]netip.Addr, error) {
		ips, ok := table[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		var out []netip.Addr
		for _, ip := range ips {
			switch {
			case network == "ip4" && !ip.Is4():
			case network == "ip6" && ip.Is4():
			default:
				out = append(out, ip)
			}
		}
		return out, nil
	}
	t.Cleanup(func() { lookupNetIP = orig })
}

func TestAddress_WildcardByFamily(t *testing.T) {
	tests := []struct {
		family Family
		want   string
	}{
		{FamilyIPv4, "0.0.0.0"},
		{FamilyIPv6, "::"},
		{FamilyUnspec, "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.family.String(), func(t *testing.T) {
			a := NewAddress("", 0, tt.family)
			ap, err := a.GetAddress()
			require.NoError(t, err)
			assert.Equal(t, tt.want, ap.Addr().String())
			assert.Equal(t, uint16(0), ap.Port())
			assert.True(t, a.IsResolved())
		})
	}
}

func TestAddress_WildcardWithPortListsBothFamilies(t *testing.T) {
	a := NewAddress("", 3976, FamilyUnspec)
	c, err := a.Candidates(context.Background(), FamilyUnspec)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.True(t, c[0].Addr().Is4())
	assert.True(t, c[1].Addr().Is6())
}

func TestAddress_IsInNetmask(t *testing.T) {
	tests := []struct {
		addr    string
		netmask string
		want    bool
	}{
		{"192.168.1.1", "192.168.1.1", true},
		{"192.168.1.2", "192.168.1.1", false},
		{"192.168.1.0", "192.168.1.0/24", true},
		{"192.168.1.255", "192.168.1.0/24", true},
		{"192.168.2.0", "192.168.1.0/24", false},
		{"192.168.0.255", "192.168.1.0/24", false},
		{"10.1.2.3", "10.0.0.0/8", true},
		{"10.1.2.3", "0.0.0.0/0", true},
		{"192.168.1.7", "192.168.1.1/abc", false},
		{"192.168.1.1", "192.168.1.1/99", true},
		{"2001:db8::1", "2001:db8::/32", true},
		{"2001:db9::1", "2001:db8::/32", false},
		{"192.168.1.1", "2001:db8::/32", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr+" in "+tt.netmask, func(t *testing.T) {
			a := NewAddress(tt.addr, 0, FamilyUnspec)
			assert.Equal(t, tt.want, a.IsInNetmask(tt.netmask))
		})
	}
}

func TestAddress_NetmaskFullRange(t *testing.T) {
	for i := 0; i < 256; i++ {
		a := AddressFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, byte(i)}), 0))
		require.True(t, a.IsInNetmask("192.168.1.0/24"), "192.168.1.%d", i)
	}
	outside := AddressFromAddrPort(netip.MustParseAddrPort("192.168.0.255:0"))
	assert.False(t, outside.IsInNetmask("192.168.1.0/24"))
}

func TestAddress_StringFormats(t *testing.T) {
	v4 := NewAddress("127.0.0.1", 3976, FamilyUnspec)
	assert.Equal(t, "127.0.0.1:3976 (IPv4)", v4.String())
	assert.Equal(t, "127.0.0.1:3976", v4.AddressString(false))

	v6 := NewAddress("[::1]", 3976, FamilyUnspec)
	assert.Equal(t, "::1", v6.GetHostname())
	assert.Equal(t, "[::1]:3976 (IPv6)", v6.String())

	host := NewAddress("example.org", 80, FamilyUnspec)
	assert.Equal(t, "example.org:80", host.String())
	assert.False(t, host.IsResolved())
}

func TestAddress_LazyHostnameResolution(t *testing.T) {
	stubResolver(t, map[string][]netip.Addr{
		"dual.example": {netip.MustParseAddr("2001:db8::5"), netip.MustParseAddr("198.51.100.5")},
	})

	a := NewAddress("dual.example", 3976, FamilyUnspec)
	assert.False(t, a.IsResolved())
	ap, err := a.GetAddress()
	require.NoError(t, err)
	assert.Equal(t, "[2001:db8::5]:3976", ap.String())
	assert.True(t, a.IsResolved())
	assert.Equal(t, "dual.example", a.GetHostname())

	v4 := NewAddress("dual.example", 3976, FamilyIPv4)
	ap, err = v4.GetAddress()
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.5:3976", ap.String())

	missing := NewAddress("missing.example", 1, FamilyUnspec)
	_, err = missing.GetAddress()
	assert.Error(t, err)
	assert.False(t, missing.IsInNetmask("0.0.0.0/0"))
}

func TestAddress_ResolveLoopPicksAcceptedCandidate(t *testing.T) {
	stubResolver(t, map[string][]netip.Addr{
		"multi.example": {netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")},
	})
	a := NewAddress("multi.example", 1, FamilyUnspec)
	var seen []string
	got, err := a.Resolve(FamilyUnspec, func(ap netip.AddrPort) bool {
		seen = append(seen, ap.Addr().String())
		return ap.Addr().String() == "192.0.2.2"
	})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", got.Addr().String())
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, seen)
}

func TestAddress_Compare(t *testing.T) {
	a := NewAddress("10.0.0.1", 1, FamilyUnspec)
	b := NewAddress("10.0.0.2", 1, FamilyUnspec)
	c := NewAddress("10.0.0.1", 2, FamilyUnspec)
	v6 := NewAddress("::1", 1, FamilyUnspec)
	same := AddressFromAddrPort(netip.MustParseAddrPort("10.0.0.1:1"))

	assert.Negative(t, a.Compare(&b))
	assert.Positive(t, b.Compare(&a))
	assert.Negative(t, a.Compare(&c))
	assert.Negative(t, b.Compare(&v6))
	assert.True(t, a.Equal(&same))
}

func TestAddress_FamilyMismatch(t *testing.T) {
	a := NewAddress("127.0.0.1", 0, FamilyIPv6)
	_, err := a.GetAddress()
	assert.Error(t, err)
	assert.False(t, a.IsFamily(FamilyIPv4))
}

func TestAddress_ListenTCPLoopback(t *testing.T) {
	a := NewAddress("127.0.0.1", 0, FamilyIPv4)
	lns, err := a.ListenTCP()
	require.NoError(t, err)
	require.Len(t, lns, 1)
	defer lns[0].Close()
	assert.NotEmpty(t, lns[0].Addr().String())
}
