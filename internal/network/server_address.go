package network

import (
	"net/netip"
	"strconv"
	"strings"
)

// ServerAddressType tells how a server address has to be reached.
type ServerAddressType uint8

const (
	ServerAddressDirect     ServerAddressType = iota // hostname:port, connect directly
	ServerAddressInviteCode                          // invite code, connect through the Game Coordinator
)

// ServerAddress is what a user typed to reach a server.
type ServerAddress struct {
	Type             ServerAddressType
	ConnectionString string
}

// ParseServerAddress classifies a connection string. Invite codes start with '+'.
func ParseServerAddress(cs string) ServerAddress {
	cs = strings.TrimSpace(cs)
	if strings.HasPrefix(cs, "+") {
		return ServerAddress{Type: ServerAddressInviteCode, ConnectionString: cs}
	}
	return ServerAddress{Type: ServerAddressDirect, ConnectionString: cs}
}

// IsInviteCode reports whether the address goes through the Game Coordinator.
func (s ServerAddress) IsInviteCode() bool { return s.Type == ServerAddressInviteCode }

// SplitConnectionString splits "host", "host:port", "[v6]", "[v6]:port" or a bare
// IPv6 literal. port is empty when none was given.
func SplitConnectionString(cs string) (host, port string) {
	if strings.HasPrefix(cs, "[") {
		end := strings.IndexByte(cs, ']')
		if end < 0 {
			return cs[1:], ""
		}
		host = cs[1:end]
		rest := cs[end+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return host, port
	}
	switch strings.Count(cs, ":") {
	case 0:
		return cs, ""
	case 1:
		host, port, _ = strings.Cut(cs, ":")
		return host, port
	default:
		return cs, ""
	}
}

// ParseConnectionString converts a connection string into an address, using
// defaultPort when the string carries no (valid) port.
func ParseConnectionString(cs string, defaultPort uint16) Address {
	host, portText := SplitConnectionString(strings.TrimSpace(cs))
	port := defaultPort
	if portText != "" {
		if p, err := strconv.ParseUint(portText, 10, 16); err == nil {
			port = uint16(p)
		}
	}
	return NewAddress(host, port, FamilyUnspec)
}

// ParseFullConnectionString is ParseConnectionString accepting a trailing
// "#<company>" suffix. ok is false when no company was given.
func ParseFullConnectionString(cs string, defaultPort uint16) (addr Address, company int, ok bool) {
	if base, suffix, found := strings.Cut(cs, "#"); found {
		if c, err := strconv.Atoi(suffix); err == nil {
			company, ok = c, true
		}
		cs = base
	}
	return ParseConnectionString(cs, defaultPort), company, ok
}

// FormatConnectionString joins host and port, bracketing IPv6 literals.
func FormatConnectionString(host string, port uint16) string {
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is6() && !ip.Is4In6() {
		return "[" + host + "]:" + strconv.Itoa(int(port))
	}
	return host + ":" + strconv.Itoa(int(port))
}

// NormalizeConnectionString returns cs in canonical "host:port" form.
func NormalizeConnectionString(cs string, defaultPort uint16) string {
	a := ParseConnectionString(cs, defaultPort)
	return FormatConnectionString(a.GetHostname(), a.GetPort())
}
