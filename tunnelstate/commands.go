package tunnelstate

import (
	"fmt"
	"net/netip"
)

// TunnelCommand is an intent issued by the host process. Each command is
// consumed by whichever state is live when it arrives.
type TunnelCommand interface {
	isTunnelCommand()
}

// AllowLAN toggles whether local network traffic bypasses the block.
type AllowLAN struct {
	Allow bool
}

// CustomDNS overrides the tunnel's DNS servers. A nil list clears the override.
type CustomDNS struct {
	Servers []netip.Addr
}

// BlockWhenDisconnected keeps the blocking policy installed while idle.
type BlockWhenDisconnected struct {
	Block bool
}

// IsOffline reports host connectivity changes.
type IsOffline struct {
	Offline bool
}

// Connect opens the tunnel, restarting it if one is already up.
type Connect struct{}

// Disconnect tears the tunnel down and returns to Disconnected.
type Disconnect struct{}

// Block forces the machine into the Error state with the given cause.
type Block struct {
	Cause ErrorStateCause
}

func (AllowLAN) isTunnelCommand()              {}
func (CustomDNS) isTunnelCommand()             {}
func (BlockWhenDisconnected) isTunnelCommand() {}
func (IsOffline) isTunnelCommand()             {}
func (Connect) isTunnelCommand()               {}
func (Disconnect) isTunnelCommand()            {}
func (Block) isTunnelCommand()                 {}

func (c AllowLAN) String() string { return fmt.Sprintf("AllowLAN(%t)", c.Allow) }
func (c CustomDNS) String() string {
	if c.Servers == nil {
		return "CustomDNS(none)"
	}
	return fmt.Sprintf("CustomDNS(%v)", c.Servers)
}
func (c BlockWhenDisconnected) String() string {
	return fmt.Sprintf("BlockWhenDisconnected(%t)", c.Block)
}
func (c IsOffline) String() string  { return fmt.Sprintf("IsOffline(%t)", c.Offline) }
func (Connect) String() string      { return "Connect" }
func (Disconnect) String() string   { return "Disconnect" }
func (c Block) String() string      { return fmt.Sprintf("Block(%s)", c.Cause) }
