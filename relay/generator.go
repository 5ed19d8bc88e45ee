package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

const DefaultPort = 51820

// Resolver looks up relay hostnames.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Generator hands out one relay per retry attempt, cycling through the
// list. The list is fetched again whenever a new connection sequence
// starts at attempt zero.
type Generator struct {
	source     Source
	privateKey wgtypes.Key
	rounds     uint32
	resolver   Resolver

	mu   sync.Mutex
	list *List
}

// NewGenerator returns a Generator that gives up after every relay has been
// tried rounds times. Zero rounds never gives up.
func NewGenerator(source Source, privateKey wgtypes.Key, rounds uint32) *Generator {
	return &Generator{
		source:     source,
		privateKey: privateKey,
		rounds:     rounds,
		resolver:   net.DefaultResolver,
	}
}

func (g *Generator) Generate(ctx context.Context, attempt uint32) (tunnelstate.TunnelParameters, error) {
	list, err := g.relayList(ctx, attempt)
	if err != nil {
		return tunnelstate.TunnelParameters{}, err
	}
	if len(list.Relays) == 0 {
		return tunnelstate.TunnelParameters{}, tunnelstate.ErrNoMatchingRelay
	}

	n := uint32(len(list.Relays))
	if g.rounds > 0 && attempt/n >= g.rounds {
		return tunnelstate.TunnelParameters{}, tunnelstate.ErrNoMatchingRelay
	}
	relay := list.Relays[attempt%n]

	params, err := g.parameters(ctx, relay, list.Assignment)
	if err != nil {
		return tunnelstate.TunnelParameters{}, &tunnelstate.ParameterGenerationError{
			Err:       fmt.Errorf("relay %s: %w", relay.Name, err),
			Retryable: true,
		}
	}
	logger.Info("relay: attempt %d using %s at %s", attempt, relay.Name, params.Endpoint)
	return params, nil
}

func (g *Generator) relayList(ctx context.Context, attempt uint32) (List, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if attempt != 0 && g.list != nil {
		return *g.list, nil
	}
	list, err := g.source.Relays(ctx)
	if err != nil {
		authFailed := IsAuthError(err)
		return List{}, &tunnelstate.ParameterGenerationError{
			Err:        err,
			Retryable:  !authFailed,
			AuthFailed: authFailed,
		}
	}
	g.list = &list
	return list, nil
}

func (g *Generator) parameters(ctx context.Context, relay Relay, a Assignment) (tunnelstate.TunnelParameters, error) {
	endpoint, err := g.resolveEndpoint(ctx, relay.Endpoint)
	if err != nil {
		return tunnelstate.TunnelParameters{}, err
	}
	peerKey, err := wgtypes.ParseKey(relay.PublicKey)
	if err != nil {
		return tunnelstate.TunnelParameters{}, fmt.Errorf("invalid public key: %w", err)
	}

	p := tunnelstate.TunnelParameters{
		Endpoint: tunnelstate.TunnelEndpoint{
			Address:  endpoint,
			Protocol: relay.Protocol,
		},
		RelayName:           relay.Name,
		PrivateKey:          g.privateKey,
		PeerPublicKey:       peerKey,
		MTU:                 a.MTU,
		PersistentKeepalive: time.Duration(a.PersistentKeepalive) * time.Second,
	}
	if p.Endpoint.Protocol == "" {
		p.Endpoint.Protocol = "udp"
	}
	if p.Addresses, err = parsePrefixes(a.Addresses); err != nil {
		return tunnelstate.TunnelParameters{}, fmt.Errorf("addresses: %w", err)
	}
	if p.AllowedIPs, err = parsePrefixes(a.AllowedIPs); err != nil {
		return tunnelstate.TunnelParameters{}, fmt.Errorf("allowed IPs: %w", err)
	}
	if a.Gateway != "" {
		if p.Gateway, err = netip.ParseAddr(a.Gateway); err != nil {
			return tunnelstate.TunnelParameters{}, fmt.Errorf("gateway: %w", err)
		}
	}
	if p.DNSServers, err = parseAddrs(a.DNS); err != nil {
		return tunnelstate.TunnelParameters{}, fmt.Errorf("dns: %w", err)
	}
	if p.PingableHosts, err = parseAddrs(a.PingableHosts); err != nil {
		return tunnelstate.TunnelParameters{}, fmt.Errorf("pingable hosts: %w", err)
	}
	return p, nil
}

func (g *Generator) resolveEndpoint(ctx context.Context, endpoint string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(endpoint); err == nil {
		return ap, nil
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		host, portStr = endpoint, strconv.Itoa(DefaultPort)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port in %q: %w", endpoint, err)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", host)
	}
	chosen := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			chosen = a
			break
		}
	}
	return netip.AddrPortFrom(chosen.Unmap(), uint16(port)), nil
}

func parsePrefixes(in []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return nil, err
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, p)
	}
	return out, nil
}

func parseAddrs(in []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, s := range in {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
