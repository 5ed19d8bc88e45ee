package api

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

// StatusResponse is returned by the status endpoint and pushed to event
// subscribers.
type StatusResponse struct {
	State                 tunnelstate.TunnelState      `json:"state"`
	Transition            string                       `json:"transition"`
	Since                 time.Time                    `json:"since"`
	RetryAttempt          uint32                       `json:"retryAttempt"`
	Endpoint              *tunnelstate.TunnelEndpoint  `json:"endpoint,omitempty"`
	Tunnel                *tunnelstate.TunnelMetadata  `json:"tunnel,omitempty"`
	AfterDisconnect       *tunnelstate.AfterDisconnect `json:"afterDisconnect,omitempty"`
	Error                 *tunnelstate.ErrorState      `json:"error,omitempty"`
	AllowLAN              bool                         `json:"allowLan"`
	BlockWhenDisconnected bool                         `json:"blockWhenDisconnected"`
	Offline               bool                         `json:"offline"`
	CustomDNS             []netip.Addr                 `json:"customDns,omitempty"`
	Version               string                       `json:"version,omitempty"`
}

// Status tracks the last published transition and the settings most
// recently handed to the state machine.
type Status struct {
	mu                    sync.RWMutex
	last                  tunnelstate.TunnelStateTransition
	since                 time.Time
	allowLAN              bool
	blockWhenDisconnected bool
	offline               bool
	customDNS             []netip.Addr
	version               string
}

func NewStatus(version string) *Status {
	return &Status{
		last:    tunnelstate.TunnelStateTransition{State: tunnelstate.StateDisconnected},
		since:   time.Now(),
		version: version,
	}
}

func (s *Status) Update(tr tunnelstate.TunnelStateTransition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = tr
	s.since = time.Now()
}

func (s *Status) SetAllowLAN(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowLAN = allow
}

func (s *Status) SetBlockWhenDisconnected(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockWhenDisconnected = block
}

func (s *Status) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *Status) SetCustomDNS(servers []netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customDNS = slices.Clone(servers)
}

func (s *Status) Snapshot() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusResponse{
		State:                 s.last.State,
		Transition:            s.last.String(),
		Since:                 s.since,
		RetryAttempt:          s.last.RetryAttempt,
		Endpoint:              s.last.Endpoint,
		Tunnel:                s.last.Metadata,
		AfterDisconnect:       s.last.AfterDisconnect,
		Error:                 s.last.Error,
		AllowLAN:              s.allowLAN,
		BlockWhenDisconnected: s.blockWhenDisconnected,
		Offline:               s.offline,
		CustomDNS:             slices.Clone(s.customDNS),
		Version:               s.version,
	}
}
