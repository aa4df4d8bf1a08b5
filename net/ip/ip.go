package ip

import (
	"net/netip"
	"strings"
)

func CompareIPs(x, y []byte) int {
	addrX, okX := netip.AddrFromSlice(x)
	addrY, okY := netip.AddrFromSlice(y)
	if !okX || !okY {
		panic("unexpected IP address byte slice")
	}
	return addrX.Unmap().Compare(addrY.Unmap())
}

// Equal reports whether x and y denote the same host, treating IPv4-mapped
// IPv6 addresses as their IPv4 counterparts. Zones are ignored.
func Equal(x, y netip.Addr) bool {
	if !x.IsValid() || !y.IsValid() {
		return false
	}
	return x.WithZone("").Unmap().Compare(y.WithZone("").Unmap()) == 0
}

// ParseTarget parses a literal IPv4 or IPv6 probe target. Brackets around
// IPv6 literals are accepted and mapped addresses are unmapped. The zone of
// a link-local address is kept since it selects the outgoing interface.
func ParseTarget(s string) (netip.Addr, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is6() || !(addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		addr = addr.WithZone("")
	}
	return addr.Unmap(), nil
}
