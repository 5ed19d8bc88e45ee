package tunnelstate

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShared(t *testing.T, settings Settings) (*SharedContext, *fakeFirewall) {
	t.Helper()
	fw := &fakeFirewall{}
	shared, err := newSharedContext(settings, Collaborators{
		NewFirewall:     func() (Firewall, error) { return fw, nil },
		NewDNSMonitor:   func() (DNSMonitor, error) { return &fakeDNS{}, nil },
		NewRouteManager: func() (RouteManager, error) { return &fakeRoutes{}, nil },
	}, &fakeGenerator{}, newFakeProvider())
	require.NoError(t, err)
	t.Cleanup(shared.cancel)
	return shared, fw
}

func TestCommandsPreemptTunnelEvents(t *testing.T) {
	shared, _ := newTestShared(t, Settings{})
	params := testParams()
	tun := newFakeTunnel(params)
	tun.events <- TunnelEvent{Kind: EventUp, Metadata: testMetadata}

	s := &connectingState{params: &params, tunnel: tun, events: tun.events, exited: tun.done}
	commands := make(chan TunnelCommand, 1)
	commands <- Disconnect{}

	c := s.handleEvent(commands, shared)
	require.Equal(t, newState, c.kind)
	assert.Equal(t, StateDisconnecting, c.transition.State)
	assert.Equal(t, AfterNothing, c.transition.AfterDisconnect.Kind)
}

func TestDisconnectingIntentMerging(t *testing.T) {
	authFailed := ErrorStateCause{Kind: CauseAuthFailed}
	offline := ErrorStateCause{Kind: CauseOffline}

	tests := []struct {
		name  string
		start AfterDisconnect
		cmd   TunnelCommand
		want  AfterDisconnect
	}{
		{"nothing+connect", AfterDisconnect{Kind: AfterNothing}, Connect{}, AfterDisconnect{Kind: AfterReconnect}},
		{"nothing+block", AfterDisconnect{Kind: AfterNothing}, Block{Cause: offline}, AfterDisconnect{Kind: AfterBlock, Cause: offline}},
		{"nothing+allowlan", AfterDisconnect{Kind: AfterNothing}, AllowLAN{Allow: true}, AfterDisconnect{Kind: AfterNothing}},
		{"block+disconnect", AfterDisconnect{Kind: AfterBlock, Cause: authFailed}, Disconnect{}, AfterDisconnect{Kind: AfterNothing}},
		{"block+block", AfterDisconnect{Kind: AfterBlock, Cause: authFailed}, Block{Cause: offline}, AfterDisconnect{Kind: AfterBlock, Cause: offline}},
		{"block+connect", AfterDisconnect{Kind: AfterBlock, Cause: authFailed}, Connect{}, AfterDisconnect{Kind: AfterReconnect}},
		{"reconnect+disconnect", AfterDisconnect{Kind: AfterReconnect}, Disconnect{}, AfterDisconnect{Kind: AfterNothing}},
		{"reconnect+offline", AfterDisconnect{Kind: AfterReconnect}, IsOffline{Offline: true}, AfterDisconnect{Kind: AfterReconnect}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shared, _ := newTestShared(t, Settings{})
			s := &disconnectingState{after: tt.start, exited: make(chan struct{})}
			c := s.handleCommand(tt.cmd, true, shared)
			assert.Equal(t, sameState, c.kind)
			assert.Equal(t, tt.want, s.after)
		})
	}
}

func TestDisconnectingClosedCommandsFinishesAsNothing(t *testing.T) {
	shared, _ := newTestShared(t, Settings{})
	exited := make(chan struct{})
	s := &disconnectingState{after: AfterDisconnect{Kind: AfterReconnect}, exited: exited}

	commands := make(chan TunnelCommand)
	close(commands)

	assert.Equal(t, sameState, s.handleEvent(commands, shared).kind)
	assert.True(t, s.commandsClosed)

	close(exited)
	c := s.handleEvent(commands, shared)
	require.Equal(t, newState, c.kind)
	assert.Equal(t, StateDisconnected, c.transition.State)
}

func TestDisconnectingLeavesFirewallUntouched(t *testing.T) {
	shared, fw := newTestShared(t, Settings{})
	tun := newFakeTunnel(testParams())
	tun.holdExit = true

	_, tr := enterDisconnecting(shared, tun, AfterDisconnect{Kind: AfterNothing})
	assert.Equal(t, StateDisconnecting, tr.State)
	assert.Zero(t, fw.applyCount())
	assert.Zero(t, fw.resets)
	waitClosed(t, tun.closeCalled, "close request")
}

func TestRetryState(t *testing.T) {
	t.Run("unlimited zero backoff", func(t *testing.T) {
		r := newRetryState(RetryPolicy{})
		for attempt := uint32(0); attempt < 5; attempt++ {
			next, delay, ok := r.next(attempt)
			require.True(t, ok)
			assert.Equal(t, attempt+1, next)
			assert.Zero(t, delay)
		}
	})

	t.Run("ceiling", func(t *testing.T) {
		r := newRetryState(RetryPolicy{MaxAttempts: 3})
		_, _, ok := r.next(1)
		assert.True(t, ok)
		_, _, ok = r.next(2)
		assert.False(t, ok)
	})

	t.Run("constant backoff", func(t *testing.T) {
		r := newRetryState(RetryPolicy{NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		}})
		_, delay, ok := r.next(0)
		require.True(t, ok)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("max retries", func(t *testing.T) {
		r := newRetryState(RetryPolicy{NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
		}})
		_, _, ok := r.next(0)
		assert.True(t, ok)
		_, _, ok = r.next(1)
		assert.False(t, ok)

		r.reset()
		_, _, ok = r.next(0)
		assert.True(t, ok)
	})

	t.Run("exponential grows to cap", func(t *testing.T) {
		r := newRetryState(ExponentialRetryPolicy(0, 100*time.Millisecond, 400*time.Millisecond))
		var last time.Duration
		for attempt := uint32(0); attempt < 10; attempt++ {
			_, delay, ok := r.next(attempt)
			require.True(t, ok)
			assert.LessOrEqual(t, delay, 600*time.Millisecond)
			last = delay
		}
		assert.GreaterOrEqual(t, last, 200*time.Millisecond)
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNoMatchingRelay, false},
		{fmt.Errorf("select relay: %w", ErrNoMatchingRelay), false},
		{&ParameterGenerationError{Err: errBoom}, false},
		{&ParameterGenerationError{Err: errBoom, Retryable: true}, true},
		{&ParameterGenerationError{Err: ErrNoMatchingRelay, Retryable: true}, false},
		{errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCauseKindText(t *testing.T) {
	for k := CauseFirewallInit; k <= CauseOffline; k++ {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back CauseKind
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, k, back)
	}
	_, err := ParseCauseKind("gremlins")
	assert.Error(t, err)
}

func TestRequiredRoutes(t *testing.T) {
	shared, _ := newTestShared(t, Settings{})
	params := testParams()

	routes := shared.requiredRoutes(params, testMetadata)
	assert.Contains(t, routes, RequiredRoute{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Node: RouteNode{Interface: "wg-test"}})
	assert.Contains(t, routes, RequiredRoute{Prefix: netip.MustParsePrefix("::/0"), Node: RouteNode{Interface: "wg-test"}})
	assert.Contains(t, routes, RequiredRoute{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Node: DefaultNode})
	assert.Len(t, routes, 3)

	shared.allowLAN = true
	lanRoutes := shared.requiredRoutes(params, testMetadata)
	assert.Equal(t, routes, lanRoutes)
	for _, dns := range params.DNSServers {
		best, ok := mostSpecificRoute(lanRoutes, dns)
		require.True(t, ok)
		assert.Equal(t, "wg-test", best.Node.Interface, "route for tunnel DNS %s", dns)
	}
	best, ok := mostSpecificRoute(lanRoutes, params.Gateway)
	require.True(t, ok)
	assert.Equal(t, "wg-test", best.Node.Interface)

	shared.allowLAN = false
	params.AllowedIPs = []netip.Prefix{netip.MustParsePrefix("10.0.0.5/8")}
	routes = shared.requiredRoutes(params, testMetadata)
	assert.Equal(t, []RequiredRoute{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Node: RouteNode{Interface: "wg-test"}},
		{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Node: DefaultNode},
	}, routes)
}

func mostSpecificRoute(routes []RequiredRoute, addr netip.Addr) (RequiredRoute, bool) {
	var best RequiredRoute
	found := false
	for _, r := range routes {
		if r.Prefix.Contains(addr) && (!found || r.Prefix.Bits() > best.Prefix.Bits()) {
			best, found = r, true
		}
	}
	return best, found
}

func TestGeneratorCause(t *testing.T) {
	assert.Equal(t, CauseAuthFailed, generatorCause(&ParameterGenerationError{Err: errBoom, AuthFailed: true}).Kind)
	assert.Equal(t, CauseParameterGeneration, generatorCause(&ParameterGenerationError{Err: errBoom}).Kind)
	assert.Equal(t, CauseParameterGeneration, generatorCause(ErrNoMatchingRelay).Kind)
	assert.False(t, IsAuthFailure(errBoom))
}

func TestFirewallPolicyEqual(t *testing.T) {
	meta := testMetadata
	a := ConnectingPolicy(testEndpoint, nil, false, []netip.Addr{netip.MustParseAddr("10.64.0.1")})
	b := ConnectingPolicy(testEndpoint, nil, false, []netip.Addr{netip.MustParseAddr("10.64.0.1")})
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(ConnectingPolicy(testEndpoint, &meta, false, a.PingableHosts)))
	assert.False(t, a.Equal(ConnectingPolicy(testEndpoint, nil, true, a.PingableHosts)))
	assert.False(t, BlockedPolicy(false).Equal(BlockedPolicy(true)))
	assert.True(t, ConnectedPolicy(testEndpoint, meta, true).Equal(ConnectedPolicy(testEndpoint, meta, true)))
}

func TestConnectingPolicyBoundsPingableHosts(t *testing.T) {
	var hosts []netip.Addr
	for i := 1; i <= MaxPingableHosts+4; i++ {
		hosts = append(hosts, netip.AddrFrom4([4]byte{10, 64, 0, byte(i)}))
	}
	p := ConnectingPolicy(testEndpoint, nil, false, hosts)
	assert.Len(t, p.PingableHosts, MaxPingableHosts)
}

func TestCommandSenderPreservesOrder(t *testing.T) {
	s := newCommandSender()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Send(AllowLAN{Allow: i%2 == 0}))
	}
	s.Close()

	var got []TunnelCommand
	for cmd := range s.out {
		got = append(got, cmd)
	}
	require.Len(t, got, 100)
	for i, cmd := range got {
		assert.Equal(t, AllowLAN{Allow: i%2 == 0}, cmd)
	}
	assert.ErrorIs(t, s.Send(Connect{}), ErrCommandChannelClosed)
}

func TestTransitionString(t *testing.T) {
	tests := []struct {
		tr   TunnelStateTransition
		want string
	}{
		{disconnectedTransition(), "disconnected"},
		{connectingTransition(2, &testEndpoint), "connecting(attempt=2, endpoint=203.0.113.10:51820/udp)"},
		{disconnectingTransition(AfterDisconnect{Kind: AfterReconnect}), "disconnecting(after=reconnect)"},
		{errorTransition(ErrorState{Cause: ErrorStateCause{Kind: CauseAuthFailed, Detail: "bad key"}, BlockFailure: true}),
			"error(auth-failed: bad key, block failed)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tr.String())
		})
	}
}
