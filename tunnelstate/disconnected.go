package tunnelstate

import (
	"net/netip"
	"slices"
)

type disconnectedState struct{}

// enterDisconnected installs the idle firewall policy and reverts DNS and
// routes. If block-when-disconnected is on and the block cannot be installed
// the machine goes to Error instead.
func enterDisconnected(shared *SharedContext) (tunnelState, TunnelStateTransition) {
	if err := shared.applyIdlePolicy(); err != nil && shared.blockWhenDisconnected {
		return enterError(shared, causeFromErr(CauseSetFirewallPolicy, err))
	}
	shared.resetHostNetwork()
	return &disconnectedState{}, disconnectedTransition()
}

func (s *disconnectedState) handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence {
	cmd, ok := <-commands
	if !ok {
		return finish()
	}

	switch c := cmd.(type) {
	case AllowLAN:
		if shared.allowLAN == c.Allow {
			return same()
		}
		shared.allowLAN = c.Allow
		if shared.blockWhenDisconnected {
			if err := shared.applyPolicy(BlockedPolicy(shared.allowLAN)); err != nil {
				return moveTo(enterError(shared, causeFromErr(CauseSetFirewallPolicy, err)))
			}
		}
	case BlockWhenDisconnected:
		if shared.blockWhenDisconnected == c.Block {
			return same()
		}
		shared.blockWhenDisconnected = c.Block
		if err := shared.applyIdlePolicy(); err != nil && c.Block {
			return moveTo(enterError(shared, causeFromErr(CauseSetFirewallPolicy, err)))
		}
	case IsOffline:
		shared.isOffline = c.Offline
	case CustomDNS:
		shared.customDNS = normalizeServers(c.Servers)
	case Connect:
		return moveTo(enterConnecting(shared, 0, 0))
	case Disconnect:
	case Block:
		return moveTo(enterError(shared, c.Cause))
	}
	return same()
}

func (s *disconnectedState) teardown() {}

func normalizeServers(servers []netip.Addr) []netip.Addr {
	if len(servers) == 0 {
		return nil
	}
	return slices.Clone(servers)
}
