package tunnelstate

import (
	"fmt"
	"net/netip"
)

// MaxPingableHosts bounds the hosts reachable while a tunnel is connecting.
const MaxPingableHosts = 8

// PolicyKind selects which firewall policy is installed.
type PolicyKind int

const (
	PolicyBlocked PolicyKind = iota
	PolicyConnecting
	PolicyConnected
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyBlocked:
		return "blocked"
	case PolicyConnecting:
		return "connecting"
	case PolicyConnected:
		return "connected"
	default:
		return fmt.Sprintf("policy(%d)", int(k))
	}
}

// FirewallPolicy describes what traffic is allowed in a given state.
//
// Blocked drops everything except loopback and, with AllowLAN, local
// networks. Connecting additionally allows the relay endpoint and the
// pingable hosts; once the tunnel interface is known, the pingable hosts are
// only reachable through it. Connected allows the relay endpoint and all
// traffic on the tunnel interface.
type FirewallPolicy struct {
	Kind          PolicyKind
	PeerEndpoint  TunnelEndpoint
	Tunnel        *TunnelMetadata
	AllowLAN      bool
	PingableHosts []netip.Addr
}

func BlockedPolicy(allowLAN bool) FirewallPolicy {
	return FirewallPolicy{Kind: PolicyBlocked, AllowLAN: allowLAN}
}

func ConnectingPolicy(peer TunnelEndpoint, tunnel *TunnelMetadata, allowLAN bool, pingable []netip.Addr) FirewallPolicy {
	if len(pingable) > MaxPingableHosts {
		pingable = pingable[:MaxPingableHosts]
	}
	return FirewallPolicy{
		Kind:          PolicyConnecting,
		PeerEndpoint:  peer,
		Tunnel:        tunnel,
		AllowLAN:      allowLAN,
		PingableHosts: append([]netip.Addr(nil), pingable...),
	}
}

func ConnectedPolicy(peer TunnelEndpoint, tunnel TunnelMetadata, allowLAN bool) FirewallPolicy {
	return FirewallPolicy{
		Kind:         PolicyConnected,
		PeerEndpoint: peer,
		Tunnel:       &tunnel,
		AllowLAN:     allowLAN,
	}
}

// Equal reports whether two policies would install the same rules.
func (p FirewallPolicy) Equal(o FirewallPolicy) bool {
	if p.Kind != o.Kind || p.AllowLAN != o.AllowLAN || p.PeerEndpoint != o.PeerEndpoint {
		return false
	}
	if !p.Tunnel.equal(o.Tunnel) {
		return false
	}
	if len(p.PingableHosts) != len(o.PingableHosts) {
		return false
	}
	for i := range p.PingableHosts {
		if p.PingableHosts[i] != o.PingableHosts[i] {
			return false
		}
	}
	return true
}

func (p FirewallPolicy) String() string {
	switch p.Kind {
	case PolicyBlocked:
		return fmt.Sprintf("blocked(allow_lan=%t)", p.AllowLAN)
	case PolicyConnecting:
		iface := "-"
		if p.Tunnel != nil {
			iface = p.Tunnel.Interface
		}
		return fmt.Sprintf("connecting(peer=%s, tunnel=%s, allow_lan=%t, pingable=%v)",
			p.PeerEndpoint, iface, p.AllowLAN, p.PingableHosts)
	case PolicyConnected:
		return fmt.Sprintf("connected(peer=%s, tunnel=%s, allow_lan=%t)",
			p.PeerEndpoint, p.Tunnel.Interface, p.AllowLAN)
	default:
		return p.Kind.String()
	}
}
