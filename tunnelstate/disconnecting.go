package tunnelstate

import (
	"github.com/fosrl/tunnelctl/logger"
)

var exitedTunnel = func() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// disconnectingState waits for the tunnel to exit while the previous
// firewall, DNS and route state stays installed.
type disconnectingState struct {
	tunnel         Tunnel
	exited         <-chan struct{}
	after          AfterDisconnect
	commandsClosed bool
}

// enterDisconnecting signals the tunnel to close. A nil tunnel counts as
// already exited.
func enterDisconnecting(shared *SharedContext, tunnel Tunnel, after AfterDisconnect) (tunnelState, TunnelStateTransition) {
	s := &disconnectingState{tunnel: tunnel, after: after, exited: exitedTunnel}
	if tunnel != nil {
		tunnel.Close()
		s.exited = tunnel.Done()
	}
	return s, disconnectingTransition(after)
}

func blockAfter(kind CauseKind, err error) AfterDisconnect {
	return AfterDisconnect{Kind: AfterBlock, Cause: causeFromErr(kind, err)}
}

func (s *disconnectingState) handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence {
	if s.commandsClosed {
		commands = nil
	}
	if cmd, ok, ready := receiveCommand(commands); ready {
		return s.handleCommand(cmd, ok, shared)
	}

	select {
	case cmd, ok := <-commands:
		return s.handleCommand(cmd, ok, shared)
	case <-s.exited:
		return s.finishDisconnect(shared)
	}
}

func (s *disconnectingState) handleCommand(cmd TunnelCommand, ok bool, shared *SharedContext) eventConsequence {
	if !ok {
		s.commandsClosed = true
		s.after = AfterDisconnect{Kind: AfterNothing}
		return same()
	}

	switch c := cmd.(type) {
	case AllowLAN:
		shared.allowLAN = c.Allow
	case CustomDNS:
		shared.customDNS = normalizeServers(c.Servers)
	case BlockWhenDisconnected:
		shared.blockWhenDisconnected = c.Block
	case IsOffline:
		shared.isOffline = c.Offline
	case Connect:
		s.after = AfterDisconnect{Kind: AfterReconnect}
	case Disconnect:
		s.after = AfterDisconnect{Kind: AfterNothing}
	case Block:
		s.after = AfterDisconnect{Kind: AfterBlock, Cause: c.Cause}
	}
	return same()
}

func (s *disconnectingState) finishDisconnect(shared *SharedContext) eventConsequence {
	if s.tunnel != nil {
		if err := s.tunnel.Err(); err != nil {
			logger.Debug("Tunnel exited with: %v", err)
		}
	}
	switch s.after.Kind {
	case AfterReconnect:
		return moveTo(enterConnecting(shared, 0, 0))
	case AfterBlock:
		return moveTo(enterError(shared, s.after.Cause))
	default:
		return moveTo(enterDisconnected(shared))
	}
}

func (s *disconnectingState) teardown() {
	<-s.exited
}
