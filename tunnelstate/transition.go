package tunnelstate

import (
	"fmt"
	"net/netip"
	"strings"
)

// TunnelState names the five control states.
type TunnelState int

const (
	StateDisconnected TunnelState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s TunnelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s TunnelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TunnelEndpoint is the relay address the tunnel talks to.
type TunnelEndpoint struct {
	Address  netip.AddrPort `json:"address"`
	Protocol string         `json:"protocol"`
}

func (e TunnelEndpoint) String() string {
	if e.Protocol == "" {
		return e.Address.String()
	}
	return e.Address.String() + "/" + e.Protocol
}

// TunnelMetadata describes the tunnel interface once it exists.
type TunnelMetadata struct {
	Interface   string         `json:"interface"`
	Addresses   []netip.Prefix `json:"addresses,omitempty"`
	IPv4Gateway netip.Addr     `json:"ipv4Gateway,omitempty"`
	IPv6Gateway netip.Addr     `json:"ipv6Gateway,omitempty"`
}

func (m *TunnelMetadata) equal(o *TunnelMetadata) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Interface != o.Interface || m.IPv4Gateway != o.IPv4Gateway || m.IPv6Gateway != o.IPv6Gateway {
		return false
	}
	if len(m.Addresses) != len(o.Addresses) {
		return false
	}
	for i := range m.Addresses {
		if m.Addresses[i] != o.Addresses[i] {
			return false
		}
	}
	return true
}

// AfterDisconnectKind is where Disconnecting goes once the tunnel has exited.
type AfterDisconnectKind int

const (
	AfterNothing AfterDisconnectKind = iota
	AfterBlock
	AfterReconnect
)

func (k AfterDisconnectKind) String() string {
	switch k {
	case AfterNothing:
		return "nothing"
	case AfterBlock:
		return "block"
	case AfterReconnect:
		return "reconnect"
	default:
		return fmt.Sprintf("after(%d)", int(k))
	}
}

func (k AfterDisconnectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// AfterDisconnect is the intent carried by the Disconnecting state. Cause is
// only meaningful for AfterBlock.
type AfterDisconnect struct {
	Kind  AfterDisconnectKind `json:"kind"`
	Cause ErrorStateCause     `json:"cause,omitempty"`
}

func (a AfterDisconnect) String() string {
	if a.Kind == AfterBlock {
		return fmt.Sprintf("block(%s)", a.Cause)
	}
	return a.Kind.String()
}

// TunnelStateTransition is published once per state change. Payload fields
// are only populated for the states they belong to.
type TunnelStateTransition struct {
	State           TunnelState      `json:"state"`
	Endpoint        *TunnelEndpoint  `json:"endpoint,omitempty"`
	Metadata        *TunnelMetadata  `json:"metadata,omitempty"`
	RetryAttempt    uint32           `json:"retryAttempt"`
	AfterDisconnect *AfterDisconnect `json:"afterDisconnect,omitempty"`
	Error           *ErrorState      `json:"error,omitempty"`
}

func (t TunnelStateTransition) String() string {
	var b strings.Builder
	b.WriteString(t.State.String())
	switch t.State {
	case StateConnecting:
		fmt.Fprintf(&b, "(attempt=%d", t.RetryAttempt)
		if t.Endpoint != nil {
			fmt.Fprintf(&b, ", endpoint=%s", t.Endpoint)
		}
		b.WriteString(")")
	case StateConnected:
		if t.Endpoint != nil {
			fmt.Fprintf(&b, "(endpoint=%s)", t.Endpoint)
		}
	case StateDisconnecting:
		if t.AfterDisconnect != nil {
			fmt.Fprintf(&b, "(after=%s)", t.AfterDisconnect)
		}
	case StateError:
		if t.Error != nil {
			fmt.Fprintf(&b, "(%s", t.Error.Cause)
			if t.Error.BlockFailure {
				b.WriteString(", block failed")
			}
			b.WriteString(")")
		}
	}
	return b.String()
}

// StateChangeListener receives every transition in order. Returning an error
// stops the machine.
type StateChangeListener func(TunnelStateTransition) error

func disconnectedTransition() TunnelStateTransition {
	return TunnelStateTransition{State: StateDisconnected}
}

func connectingTransition(attempt uint32, endpoint *TunnelEndpoint) TunnelStateTransition {
	return TunnelStateTransition{State: StateConnecting, RetryAttempt: attempt, Endpoint: endpoint}
}

func connectedTransition(endpoint TunnelEndpoint, metadata TunnelMetadata) TunnelStateTransition {
	return TunnelStateTransition{State: StateConnected, Endpoint: &endpoint, Metadata: &metadata}
}

func disconnectingTransition(after AfterDisconnect) TunnelStateTransition {
	return TunnelStateTransition{State: StateDisconnecting, AfterDisconnect: &after}
}

func errorTransition(state ErrorState) TunnelStateTransition {
	return TunnelStateTransition{State: StateError, Error: &state}
}
