package tunnelstate

import (
	"errors"
	"slices"

	"github.com/fosrl/tunnelctl/logger"
)

type connectedState struct {
	tunnel   Tunnel
	events   <-chan TunnelEvent
	exited   <-chan struct{}
	params   TunnelParameters
	metadata TunnelMetadata
}

// enterConnected installs the connected policy, then DNS, then routes. Any
// failure tears the tunnel down into Error through Disconnecting.
func enterConnected(shared *SharedContext, tunnel Tunnel, params TunnelParameters, metadata TunnelMetadata) (tunnelState, TunnelStateTransition) {
	s := &connectedState{
		tunnel:   tunnel,
		events:   tunnel.Events(),
		exited:   tunnel.Done(),
		params:   params,
		metadata: metadata,
	}
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		return enterDisconnecting(shared, tunnel, blockAfter(CauseSetFirewallPolicy, err))
	}
	if err := s.setDNS(shared); err != nil {
		return enterDisconnecting(shared, tunnel, blockAfter(CauseSetDNS, err))
	}
	if err := s.setRoutes(shared); err != nil {
		return enterDisconnecting(shared, tunnel, blockAfter(CauseSetRoutes, err))
	}
	logger.Info("Tunnel %s connected to %s", metadata.Interface, params.Endpoint)
	return s, connectedTransition(params.Endpoint, metadata)
}

func (s *connectedState) policy(shared *SharedContext) FirewallPolicy {
	return ConnectedPolicy(s.params.Endpoint, s.metadata, shared.allowLAN)
}

func (s *connectedState) setDNS(shared *SharedContext) error {
	servers := shared.dnsServers(s.params)
	if len(servers) == 0 {
		logger.Warn("No DNS servers for tunnel %s, leaving host DNS unchanged", s.metadata.Interface)
		return nil
	}
	if err := shared.dns.Set(s.metadata.Interface, servers); err != nil {
		logger.Error("Failed to set DNS servers %v: %v", servers, err)
		return err
	}
	return nil
}

func (s *connectedState) setRoutes(shared *SharedContext) error {
	if err := shared.routes.ClearRoutes(); err != nil {
		return err
	}
	if err := shared.routes.AddRoutes(shared.requiredRoutes(s.params, s.metadata)); err != nil {
		logger.Error("Failed to add tunnel routes: %v", err)
		return err
	}
	return nil
}

func (s *connectedState) handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence {
	if cmd, ok, ready := receiveCommand(commands); ready {
		return s.handleCommand(cmd, ok, shared)
	}

	select {
	case cmd, ok := <-commands:
		return s.handleCommand(cmd, ok, shared)
	case ev, ok := <-s.events:
		if !ok {
			s.events = nil
			return same()
		}
		return s.handleTunnelEvent(ev, shared)
	case <-s.exited:
		err := s.tunnel.Err()
		s.tunnel = nil
		if errors.Is(err, ErrTunnelFatal) {
			return moveTo(enterError(shared, causeFromErr(CauseTunnelFatal, err)))
		}
		logger.Warn("Tunnel exited unexpectedly, reconnecting: %v", err)
		return moveTo(enterConnecting(shared, 0, 0))
	}
}

func (s *connectedState) handleCommand(cmd TunnelCommand, ok bool, shared *SharedContext) eventConsequence {
	if !ok {
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	}

	switch c := cmd.(type) {
	case AllowLAN:
		if shared.allowLAN == c.Allow {
			return same()
		}
		shared.allowLAN = c.Allow
		if err := shared.applyPolicy(s.policy(shared)); err != nil {
			return moveTo(enterDisconnecting(shared, s.release(), blockAfter(CauseSetFirewallPolicy, err)))
		}
		if err := s.setRoutes(shared); err != nil {
			return moveTo(enterDisconnecting(shared, s.release(), blockAfter(CauseSetRoutes, err)))
		}
	case CustomDNS:
		servers := normalizeServers(c.Servers)
		if slices.Equal(shared.customDNS, servers) {
			return same()
		}
		shared.customDNS = servers
		if err := s.setDNS(shared); err != nil {
			return moveTo(enterDisconnecting(shared, s.release(), blockAfter(CauseSetDNS, err)))
		}
	case BlockWhenDisconnected:
		shared.blockWhenDisconnected = c.Block
	case IsOffline:
		shared.isOffline = c.Offline
		if c.Offline {
			return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterReconnect}))
		}
	case Connect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterReconnect}))
	case Disconnect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	case Block:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterBlock, Cause: c.Cause}))
	}
	return same()
}

func (s *connectedState) handleTunnelEvent(ev TunnelEvent, shared *SharedContext) eventConsequence {
	switch ev.Kind {
	case EventDown:
		logger.Warn("Tunnel connection lost: %s", ev.Reason)
		return moveTo(enterConnectingAfter(shared, s.release(), 0, 0))
	case EventAuthFailed:
		cause := ErrorStateCause{Kind: CauseAuthFailed, Detail: ev.Reason}
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterBlock, Cause: cause}))
	}
	return same()
}

func (s *connectedState) release() Tunnel {
	tunnel := s.tunnel
	s.tunnel, s.events, s.exited = nil, nil, nil
	return tunnel
}

func (s *connectedState) teardown() {
	if tunnel := s.release(); tunnel != nil {
		closeAndWait(tunnel)
	}
}
