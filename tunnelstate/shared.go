package tunnelstate

import (
	"context"
	"io"
	"net/netip"

	"github.com/fosrl/tunnelctl/logger"
)

// SharedContext is the mutable state every machine state works against.
// Only the live state touches it, so it carries no locks.
type SharedContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	firewall Firewall
	dns      DNSMonitor
	routes   RouteManager

	allowLAN              bool
	blockWhenDisconnected bool
	isOffline             bool
	customDNS             []netip.Addr

	generator TunnelParametersGenerator
	provider  TunProvider
	retry     *retryState

}

func (s *SharedContext) applyPolicy(policy FirewallPolicy) error {
	logger.Debug("Applying firewall policy %s", policy)
	if err := s.firewall.ApplyPolicy(policy); err != nil {
		logger.Error("Failed to apply firewall policy %s: %v", policy, err)
		return err
	}
	return nil
}

// applyIdlePolicy installs whatever the firewall should hold while no tunnel
// is wanted.
func (s *SharedContext) applyIdlePolicy() error {
	if s.blockWhenDisconnected {
		return s.applyPolicy(BlockedPolicy(s.allowLAN))
	}
	if err := s.firewall.ResetPolicy(); err != nil {
		logger.Error("Failed to reset firewall policy: %v", err)
		return err
	}
	return nil
}

// dnsServers picks the custom override or the tunnel's own servers.
func (s *SharedContext) dnsServers(params TunnelParameters) []netip.Addr {
	if s.customDNS != nil {
		return s.customDNS
	}
	if len(params.DNSServers) > 0 {
		return params.DNSServers
	}
	if params.Gateway.IsValid() {
		return []netip.Addr{params.Gateway}
	}
	return nil
}

// resetHostNetwork reverts DNS and routes. Failures are logged; the
// firewall policy remains authoritative for leak protection.
func (s *SharedContext) resetHostNetwork() {
	if err := s.dns.Reset(); err != nil {
		logger.Warn("Failed to reset DNS: %v", err)
	}
	if err := s.routes.ClearRoutes(); err != nil {
		logger.Warn("Failed to clear routes: %v", err)
	}
}

// requiredRoutes sends everything through the tunnel except the relay
// itself. Local networks stay reachable through the host's on-link routes,
// which are more specific than the tunnel's default halves; allow-LAN only
// opens the firewall for them.
func (s *SharedContext) requiredRoutes(params TunnelParameters, metadata TunnelMetadata) []RequiredRoute {
	tunnel := RouteNode{Interface: metadata.Interface}
	routes := make([]RequiredRoute, 0, 4)
	for _, prefix := range params.AllowedIPs {
		routes = append(routes, RequiredRoute{Prefix: prefix.Masked(), Node: tunnel})
	}
	if len(params.AllowedIPs) == 0 {
		routes = append(routes,
			RequiredRoute{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Node: tunnel},
			RequiredRoute{Prefix: netip.MustParsePrefix("::/0"), Node: tunnel},
		)
	}
	relay := params.Endpoint.Address.Addr().Unmap()
	if relay.IsValid() {
		routes = append(routes, RequiredRoute{Prefix: netip.PrefixFrom(relay, relay.BitLen()), Node: DefaultNode})
	}
	return routes
}

// LANNetworks are the prefixes treated as local when allow-LAN is on.
var LANNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// close leaves the host in the policy dictated by block-when-disconnected
// and releases the collaborators.
func (s *SharedContext) close() {
	s.cancel()
	s.resetHostNetwork()
	if err := s.applyIdlePolicy(); err != nil {
		logger.Error("Failed to leave firewall in idle policy on shutdown: %v", err)
	}
	closeCollaborator("firewall", s.firewall)
	closeCollaborator("dns", s.dns)
	closeCollaborator("routes", s.routes)
}

func closeCollaborator(name string, c interface{}) {
	if closer, ok := c.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Failed to close %s: %v", name, err)
		}
	}
}
