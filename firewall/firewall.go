// Package firewall installs the tunnel's traffic policy as an nftables
// table. Each policy replaces the whole table in one netlink transaction.
package firewall

import "errors"

// DefaultTable is the nftables table owned by the daemon.
const DefaultTable = "tunnelctl"

// ErrUnsupportedPlatform is returned by New where nftables is unavailable.
var ErrUnsupportedPlatform = errors.New("firewall: nftables is not available on this platform")
