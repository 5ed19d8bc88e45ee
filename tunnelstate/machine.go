// Package tunnelstate implements the tunnel state machine: the single owner
// of what the VPN is doing right now. It serializes external commands and
// tunnel events, drives the firewall, DNS and route collaborators into the
// state it decides on, and publishes every state change in order.
package tunnelstate

import (
	"context"
	"net/netip"
	"slices"

	"github.com/fosrl/tunnelctl/logger"
)

// tunnelState is one of the five live states. handleEvent blocks until one
// command or state-specific event is available and processes it.
type tunnelState interface {
	handleEvent(commands <-chan TunnelCommand, shared *SharedContext) eventConsequence
	// teardown stops anything the state still owns when the machine exits.
	teardown()
}

type consequenceKind int

const (
	sameState consequenceKind = iota
	newState
	finished
)

type eventConsequence struct {
	kind       consequenceKind
	next       tunnelState
	transition TunnelStateTransition
}

func same() eventConsequence {
	return eventConsequence{kind: sameState}
}

func moveTo(next tunnelState, transition TunnelStateTransition) eventConsequence {
	return eventConsequence{kind: newState, next: next, transition: transition}
}

func finish() eventConsequence {
	return eventConsequence{kind: finished}
}

// receiveCommand reads a ready command without blocking. It is checked before
// any other event source so Disconnect and Block pre-empt tunnel events.
func receiveCommand(commands <-chan TunnelCommand) (TunnelCommand, bool, bool) {
	select {
	case cmd, ok := <-commands:
		return cmd, ok, true
	default:
		return nil, false, false
	}
}

// Settings are the initial flags for a machine.
type Settings struct {
	AllowLAN              bool
	BlockWhenDisconnected bool
	IsOffline             bool
	CustomDNS             []netip.Addr
	Retry                 RetryPolicy
}

// Collaborators construct the host-side handles the machine owns.
type Collaborators struct {
	NewFirewall     func() (Firewall, error)
	NewDNSMonitor   func() (DNSMonitor, error)
	NewRouteManager func() (RouteManager, error)
}

type machine struct {
	current  tunnelState
	shared   *SharedContext
	commands <-chan TunnelCommand
	listener StateChangeListener
}

// Spawn constructs every collaborator, then starts the machine on its own
// goroutine in the Disconnected state. If any collaborator fails the ones
// already built are released and an *InitError is returned. shutdown, if
// non-nil, is closed once the machine has exited and released everything.
func Spawn(
	settings Settings,
	collab Collaborators,
	generator TunnelParametersGenerator,
	provider TunProvider,
	listener StateChangeListener,
	shutdown chan<- struct{},
) (*CommandSender, error) {
	shared, err := newSharedContext(settings, collab, generator, provider)
	if err != nil {
		return nil, err
	}

	sender := newCommandSender()
	m := &machine{
		shared:   shared,
		commands: sender.out,
		listener: listener,
	}

	go func() {
		defer func() {
			if shutdown != nil {
				close(shutdown)
			}
		}()
		defer sender.stop()
		m.run()
	}()

	return sender, nil
}

func newSharedContext(settings Settings, collab Collaborators, generator TunnelParametersGenerator, provider TunProvider) (*SharedContext, error) {
	var built []interface{}
	release := func() {
		for i := len(built) - 1; i >= 0; i-- {
			closeCollaborator("collaborator", built[i])
		}
	}

	firewall, err := collab.NewFirewall()
	if err != nil {
		return nil, &InitError{Cause: causeFromErr(CauseFirewallInit, err), Err: err}
	}
	built = append(built, firewall)

	dns, err := collab.NewDNSMonitor()
	if err != nil {
		release()
		return nil, &InitError{Cause: causeFromErr(CauseDNSInit, err), Err: err}
	}
	built = append(built, dns)

	routes, err := collab.NewRouteManager()
	if err != nil {
		release()
		return nil, &InitError{Cause: causeFromErr(CauseRouteInit, err), Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SharedContext{
		ctx:                   ctx,
		cancel:                cancel,
		firewall:              firewall,
		dns:                   dns,
		routes:                routes,
		allowLAN:              settings.AllowLAN,
		blockWhenDisconnected: settings.BlockWhenDisconnected,
		isOffline:             settings.IsOffline,
		customDNS:             slices.Clone(settings.CustomDNS),
		generator:             generator,
		provider:              provider,
		retry:                 newRetryState(settings.Retry),
	}, nil
}

func (m *machine) run() {
	var initial TunnelStateTransition
	m.current, initial = enterDisconnected(m.shared)
	logger.Info("Tunnel state machine started in %s", initial)
	if initial.State != StateDisconnected {
		if !m.publish(initial) {
			m.exit()
			return
		}
	}

	for {
		c := m.current.handleEvent(m.commands, m.shared)
		switch c.kind {
		case sameState:
			continue
		case finished:
			logger.Info("Tunnel state machine finished")
			m.exit()
			return
		case newState:
			m.current = c.next
			if !m.publish(c.transition) {
				m.exit()
				return
			}
		}
	}
}

func (m *machine) publish(t TunnelStateTransition) bool {
	logger.Info("Tunnel state: %s", t)
	if err := m.listener(t); err != nil {
		logger.Error("State change listener failed, stopping tunnel state machine: %v", err)
		return false
	}
	return true
}

func (m *machine) exit() {
	m.current.teardown()
	m.shared.close()
}
