// Package route installs the routes the tunnel needs and watches the host's
// default route to tell when the machine is offline.
package route

import (
	"errors"
	"net/netip"
)

var (
	ErrUnsupportedPlatform = errors.New("route: routing is not supported on this platform")
	ErrNoDefaultRoute      = errors.New("route: no default route")
)

var (
	v4Halves = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/1"), netip.MustParsePrefix("128.0.0.0/1")}
	v6Halves = []netip.Prefix{netip.MustParsePrefix("::/1"), netip.MustParsePrefix("8000::/1")}
)

// expandPrefix splits a default prefix into two halves so tunnel routes win
// over the host default route without replacing it.
func expandPrefix(p netip.Prefix) []netip.Prefix {
	p = p.Masked()
	if p.Bits() != 0 {
		return []netip.Prefix{p}
	}
	if p.Addr().Is4() {
		return v4Halves
	}
	return v6Halves
}
