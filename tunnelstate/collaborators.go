package tunnelstate

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Firewall installs policies atomically.
type Firewall interface {
	ApplyPolicy(policy FirewallPolicy) error
	ResetPolicy() error
}

// DNSMonitor points host resolution at a set of servers.
type DNSMonitor interface {
	Set(iface string, servers []netip.Addr) error
	Reset() error
}

// RouteNode is either a named interface or the host's default gateway.
type RouteNode struct {
	Interface string
}

// DefaultNode routes through whatever the host's default route is.
var DefaultNode = RouteNode{}

func (n RouteNode) IsDefault() bool { return n.Interface == "" }

func (n RouteNode) String() string {
	if n.IsDefault() {
		return "default"
	}
	return n.Interface
}

type RequiredRoute struct {
	Prefix netip.Prefix
	Node   RouteNode
}

func (r RequiredRoute) String() string {
	return fmt.Sprintf("%s via %s", r.Prefix, r.Node)
}

// RouteManager owns the routes the machine installs.
type RouteManager interface {
	AddRoutes(routes []RequiredRoute) error
	ClearRoutes() error
}

// TunnelParameters is everything needed to bring one tunnel attempt up.
type TunnelParameters struct {
	Endpoint            TunnelEndpoint
	RelayName           string
	PrivateKey          wgtypes.Key
	PeerPublicKey       wgtypes.Key
	Addresses           []netip.Prefix
	Gateway             netip.Addr
	DNSServers          []netip.Addr
	AllowedIPs          []netip.Prefix
	PingableHosts       []netip.Addr
	MTU                 int
	PersistentKeepalive time.Duration
}

func (p TunnelParameters) pingableHosts() []netip.Addr {
	if len(p.PingableHosts) > 0 {
		return p.PingableHosts
	}
	if p.Gateway.IsValid() {
		return []netip.Addr{p.Gateway}
	}
	return nil
}

// TunnelParametersGenerator produces parameters for a retry attempt. It may
// be called any number of times.
type TunnelParametersGenerator interface {
	Generate(ctx context.Context, retryAttempt uint32) (TunnelParameters, error)
}

// TunProvider starts tunnels. Start must not block on the handshake; progress
// is reported through the returned Tunnel's events.
type TunProvider interface {
	Start(ctx context.Context, params TunnelParameters) (Tunnel, error)
}

// Tunnel is a running tunnel. Close begins shutdown and returns promptly;
// Done is closed once the tunnel has fully exited, after which Err reports
// why it stopped (nil for a requested close).
type Tunnel interface {
	Events() <-chan TunnelEvent
	Close()
	Done() <-chan struct{}
	Err() error
}

type TunnelEventKind int

const (
	EventInterfaceUp TunnelEventKind = iota
	EventUp
	EventDown
	EventAuthFailed
)

func (k TunnelEventKind) String() string {
	switch k {
	case EventInterfaceUp:
		return "interface-up"
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventAuthFailed:
		return "auth-failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// TunnelEvent is reported by a Tunnel. Metadata is set for InterfaceUp and
// Up; Reason for Down and AuthFailed.
type TunnelEvent struct {
	Kind     TunnelEventKind
	Metadata TunnelMetadata
	Reason   string
}
