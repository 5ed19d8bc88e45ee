package tunnelstate

import (
	"github.com/fosrl/tunnelctl/logger"
)

type errorState struct {
	state ErrorState

	// closing is a failed tunnel that has not exited yet. Leaving Error
	// hands it to Disconnecting.
	closing Tunnel
	closed  <-chan struct{}
}

// enterError always installs the blocking policy, whatever
// block-when-disconnected says.
func enterError(shared *SharedContext, cause ErrorStateCause) (tunnelState, TunnelStateTransition) {
	return enterErrorAfter(shared, nil, cause)
}

// enterErrorAfter is enterError with a tunnel that is still shutting down.
func enterErrorAfter(shared *SharedContext, closing Tunnel, cause ErrorStateCause) (tunnelState, TunnelStateTransition) {
	logger.Warn("Blocking traffic: %s", cause)
	st := ErrorState{Cause: cause}
	if err := shared.applyPolicy(BlockedPolicy(shared.allowLAN)); err != nil {
		st.BlockFailure = true
	}
	shared.resetHostNetwork()
	s := &errorState{state: st}
	if closing != nil {
		closing.Close()
		s.closing, s.closed = closing, closing.Done()
	}
	return s, errorTransition(st)
}

func (s *errorState) handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence {
	var cmd TunnelCommand
	var ok bool
	select {
	case cmd, ok = <-commands:
	case <-s.closed:
		s.closing, s.closed = nil, nil
		return same()
	}
	if !ok {
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	}

	switch c := cmd.(type) {
	case AllowLAN:
		if shared.allowLAN == c.Allow {
			return same()
		}
		shared.allowLAN = c.Allow
		s.reapplyBlock(shared)
	case IsOffline:
		if shared.isOffline == c.Offline {
			return same()
		}
		shared.isOffline = c.Offline
		s.reapplyBlock(shared)
	case BlockWhenDisconnected:
		shared.blockWhenDisconnected = c.Block
	case CustomDNS:
		shared.customDNS = normalizeServers(c.Servers)
	case Connect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterReconnect}))
	case Disconnect:
		return moveTo(enterDisconnecting(shared, s.release(), AfterDisconnect{Kind: AfterNothing}))
	case Block:
		return moveTo(enterErrorAfter(shared, s.release(), c.Cause))
	}
	return same()
}

func (s *errorState) release() Tunnel {
	tunnel := s.closing
	s.closing, s.closed = nil, nil
	return tunnel
}

func (s *errorState) reapplyBlock(shared *SharedContext) {
	s.state.BlockFailure = shared.applyPolicy(BlockedPolicy(shared.allowLAN)) != nil
}

func (s *errorState) teardown() {
	if tunnel := s.release(); tunnel != nil {
		<-tunnel.Done()
	}
}
