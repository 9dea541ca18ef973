package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Family restricts resolution to one address family.
type Family uint8

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unspecified"
	}
}

func (f Family) ipNetwork() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

// FamilyOf returns the family of a resolved address.
func FamilyOf(a netip.Addr) Family {
	if a.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

const resolveTimeout = 5 * time.Second

// lookupNetIP is the resolver used by Address; replaced in tests.
var lookupNetIP = net.DefaultResolver.LookupNetIP

// Address is an endpoint that is either already resolved or a hostname resolved
// lazily on first use. It is a value type; resolution updates it in place.
type Address struct {
	hostname string
	port     uint16
	family   Family
	addr     netip.AddrPort
	resolved bool
}

// NewAddress creates an unresolved address. Brackets around IPv6 literals are stripped.
// An empty hostname means the wildcard address of the family.
func NewAddress(hostname string, port uint16, family Family) Address {
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	return Address{hostname: hostname, port: port, family: family}
}

// AddressFromAddrPort creates an already resolved address.
func AddressFromAddrPort(ap netip.AddrPort) Address {
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	return Address{addr: ap, port: ap.Port(), family: FamilyOf(ap.Addr()), resolved: true}
}

// AddressFromNetAddr converts a socket address. Unknown address types stay unresolved.
func AddressFromNetAddr(a net.Addr) Address {
	switch v := a.(type) {
	case *net.TCPAddr:
		return AddressFromAddrPort(v.AddrPort())
	case *net.UDPAddr:
		return AddressFromAddrPort(v.AddrPort())
	case nil:
		return Address{}
	}
	if ap, err := netip.ParseAddrPort(a.String()); err == nil {
		return AddressFromAddrPort(ap)
	}
	return NewAddress(a.String(), 0, FamilyUnspec)
}

// IsResolved reports whether the binary address is known.
func (a *Address) IsResolved() bool { return a.resolved }

// GetHostname returns the hostname, or the textual IP when created from a resolved address.
func (a *Address) GetHostname() string {
	if a.hostname == "" && a.resolved {
		return a.addr.Addr().String()
	}
	return a.hostname
}

// GetPort returns the port.
func (a *Address) GetPort() uint16 { return a.port }

// SetPort changes the port, also of an already resolved address.
func (a *Address) SetPort(port uint16) {
	a.port = port
	if a.resolved {
		a.addr = netip.AddrPortFrom(a.addr.Addr(), port)
	}
}

// IsFamily reports whether the (resolved) address is of the given family.
func (a *Address) IsFamily(f Family) bool {
	ap, err := a.GetAddress()
	if err != nil {
		return false
	}
	return FamilyOf(ap.Addr()) == f
}

// GetAddress resolves on first use and returns the binary address.
func (a *Address) GetAddress() (netip.AddrPort, error) {
	if a.resolved {
		return a.addr, nil
	}
	ap, err := a.Resolve(a.family, func(netip.AddrPort) bool { return true })
	if err != nil {
		return netip.AddrPort{}, err
	}
	a.addr = ap
	a.resolved = true
	return ap, nil
}

// Candidates returns every address the hostname resolves to, in resolver order.
func (a *Address) Candidates(ctx context.Context, family Family) ([]netip.AddrPort, error) {
	if a.resolved && a.hostname == "" {
		return []netip.AddrPort{a.addr}, nil
	}

	if a.hostname == "" {
		switch family {
		case FamilyIPv4:
			return []netip.AddrPort{netip.AddrPortFrom(netip.IPv4Unspecified(), a.port)}, nil
		case FamilyIPv6:
			return []netip.AddrPort{netip.AddrPortFrom(netip.IPv6Unspecified(), a.port)}, nil
		default:
			if a.port == 0 {
				return []netip.AddrPort{netip.AddrPortFrom(netip.IPv4Unspecified(), 0)}, nil
			}
			return []netip.AddrPort{
				netip.AddrPortFrom(netip.IPv4Unspecified(), a.port),
				netip.AddrPortFrom(netip.IPv6Unspecified(), a.port),
			}, nil
		}
	}

	if ip, err := netip.ParseAddr(a.hostname); err == nil {
		ip = ip.Unmap()
		if family != FamilyUnspec && FamilyOf(ip) != family {
			return nil, fmt.Errorf("address %s is not %s", a.hostname, family)
		}
		return []netip.AddrPort{netip.AddrPortFrom(ip, a.port)}, nil
	}

	ips, err := lookupNetIP(ctx, family.ipNetwork(), a.hostname)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", a.hostname, err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), a.port))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", a.hostname)
	}
	return out, nil
}

// Resolve runs the resolver and calls loop for each candidate until loop accepts
// one, which is returned. The result is not cached; use GetAddress for that.
func (a *Address) Resolve(family Family, loop func(netip.AddrPort) bool) (netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	candidates, err := a.Candidates(ctx, family)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, c := range candidates {
		if loop(c) {
			return c, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("no usable address for %s", a.GetHostname())
}

// IsInNetmask reports whether the address lies in the given CIDR. A bare IP, or
// one with an unusable prefix length, matches only itself.
func (a *Address) IsInNetmask(netmask string) bool {
	ap, err := a.GetAddress()
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()

	host, bitsText, hasBits := strings.Cut(netmask, "/")
	maskAddress := NewAddress(host, 0, FamilyOf(ip))
	mask, err := maskAddress.GetAddress()
	if err != nil {
		return false
	}
	m := mask.Addr().Unmap()
	if m.BitLen() != ip.BitLen() {
		return false
	}

	bits := m.BitLen()
	if hasBits {
		if n, err := strconv.Atoi(bitsText); err == nil && n >= 0 && n <= m.BitLen() {
			bits = n
		}
	}
	prefix, err := m.Prefix(bits)
	if err != nil {
		return false
	}
	return prefix.Contains(ip)
}

// Compare orders addresses by family, then IP, then port.
func (a *Address) Compare(b *Address) int {
	ap, errA := a.GetAddress()
	bp, errB := b.GetAddress()
	if errA != nil || errB != nil {
		return strings.Compare(a.String(), b.String())
	}
	if fa, fb := FamilyOf(ap.Addr()), FamilyOf(bp.Addr()); fa != fb {
		return int(fa) - int(fb)
	}
	if c := ap.Addr().Compare(bp.Addr()); c != 0 {
		return c
	}
	return int(ap.Port()) - int(bp.Port())
}

// Equal reports whether both addresses resolve to the same endpoint.
func (a *Address) Equal(b *Address) bool {
	return a.Compare(b) == 0
}

// AddressString formats the address as "ip:port" or "[ip]:port", optionally with
// the family. It never triggers DNS; unresolved hostnames are printed as given.
func (a Address) AddressString(withFamily bool) string {
	var ip netip.Addr
	switch {
	case a.resolved:
		ip = a.addr.Addr()
	default:
		parsed, err := netip.ParseAddr(a.hostname)
		if err != nil {
			return FormatConnectionString(a.hostname, a.port)
		}
		ip = parsed.Unmap()
	}

	if ip.Is4() {
		s := fmt.Sprintf("%s:%d", ip, a.port)
		if withFamily {
			s += " (IPv4)"
		}
		return s
	}
	s := fmt.Sprintf("[%s]:%d", ip, a.port)
	if withFamily {
		s += " (IPv6)"
	}
	return s
}

// String formats the address with its family.
func (a Address) String() string {
	return a.AddressString(true)
}

// ListenTCP opens a listener on every candidate address, e.g. both IPv4 and
// IPv6 for a wildcard bind. Candidates that fail are logged and skipped.
func (a *Address) ListenTCP() ([]net.Listener, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	candidates, err := a.Candidates(ctx, a.family)
	if err != nil {
		return nil, err
	}
	lc := ReuseAddrListenConfig()
	var out []net.Listener
	for _, c := range candidates {
		ln, err := lc.Listen(context.Background(), tcpNetwork(c.Addr()), c.String())
		if err != nil {
			slog.Warn("could not listen", "address", c.String(), "error", err)
			continue
		}
		out = append(out, ln)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("could not listen on %s", a.String())
	}
	return out, nil
}

// ListenUDP opens a datagram socket on every candidate address.
func (a *Address) ListenUDP() ([]net.PacketConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	candidates, err := a.Candidates(ctx, a.family)
	if err != nil {
		return nil, err
	}
	lc := ReuseAddrListenConfig()
	var out []net.PacketConn
	for _, c := range candidates {
		network := "udp4"
		if !c.Addr().Is4() {
			network = "udp6"
		}
		pc, err := lc.ListenPacket(context.Background(), network, c.String())
		if err != nil {
			slog.Warn("could not bind", "address", c.String(), "error", err)
			continue
		}
		out = append(out, pc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("could not bind %s", a.String())
	}
	return out, nil
}

func tcpNetwork(ip netip.Addr) string {
	if ip.Unmap().Is4() {
		return "tcp4"
	}
	return "tcp6"
}
