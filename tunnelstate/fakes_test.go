package tunnelstate

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testEndpoint = TunnelEndpoint{
		Address:  netip.MustParseAddrPort("203.0.113.10:51820"),
		Protocol: "udp",
	}
	testMetadata = TunnelMetadata{
		Interface:   "wg-test",
		Addresses:   []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
	}
	errBoom = errors.New("boom")
)

func testParams() TunnelParameters {
	return TunnelParameters{
		Endpoint:   testEndpoint,
		RelayName:  "test-relay",
		Addresses:  []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		Gateway:    netip.MustParseAddr("10.64.0.1"),
		DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")},
		MTU:        1280,
	}
}

type fakeFirewall struct {
	mu        sync.Mutex
	applied   []FirewallPolicy
	resets    int
	current   *FirewallPolicy
	failApply func(FirewallPolicy) error
	closed    bool
}

func (f *fakeFirewall) ApplyPolicy(p FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply != nil {
		if err := f.failApply(p); err != nil {
			return err
		}
	}
	f.applied = append(f.applied, p)
	f.current = &p
	return nil
}

func (f *fakeFirewall) ResetPolicy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.current = nil
	return nil
}

func (f *fakeFirewall) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFirewall) installed() *FirewallPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeFirewall) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeFirewall) setFailApply(fn func(FirewallPolicy) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failApply = fn
}

func (f *fakeFirewall) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDNS struct {
	mu      sync.Mutex
	sets    [][]netip.Addr
	iface   string
	resets  int
	failSet error
}

func (d *fakeDNS) Set(iface string, servers []netip.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSet != nil {
		return d.failSet
	}
	d.iface = iface
	d.sets = append(d.sets, servers)
	return nil
}

func (d *fakeDNS) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *fakeDNS) lastSet() []netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sets) == 0 {
		return nil
	}
	return d.sets[len(d.sets)-1]
}

type fakeRoutes struct {
	mu      sync.Mutex
	added   [][]RequiredRoute
	clears  int
	failAdd error
}

func (r *fakeRoutes) AddRoutes(routes []RequiredRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdd != nil {
		return r.failAdd
	}
	r.added = append(r.added, routes)
	return nil
}

func (r *fakeRoutes) ClearRoutes() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	return nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	attempts []uint32
	fn       func(attempt uint32) (TunnelParameters, error)
}

func (g *fakeGenerator) Generate(_ context.Context, attempt uint32) (TunnelParameters, error) {
	g.mu.Lock()
	g.attempts = append(g.attempts, attempt)
	fn := g.fn
	g.mu.Unlock()
	if fn == nil {
		return testParams(), nil
	}
	return fn(attempt)
}

func (g *fakeGenerator) calls() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint32(nil), g.attempts...)
}

type fakeTunnel struct {
	params   TunnelParameters
	events   chan TunnelEvent
	done     chan struct{}
	holdExit bool

	closeCalled chan struct{}
	closeOnce   sync.Once
	exitOnce    sync.Once

	mu  sync.Mutex
	err error
}

func newFakeTunnel(params TunnelParameters) *fakeTunnel {
	return &fakeTunnel{
		params:      params,
		events:      make(chan TunnelEvent, 8),
		done:        make(chan struct{}),
		closeCalled: make(chan struct{}),
	}
}

func (t *fakeTunnel) Events() <-chan TunnelEvent { return t.events }
func (t *fakeTunnel) Done() <-chan struct{}      { return t.done }

func (t *fakeTunnel) Close() {
	t.closeOnce.Do(func() { close(t.closeCalled) })
	if !t.holdExit {
		t.exit(nil)
	}
}

func (t *fakeTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTunnel) exit(err error) {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *fakeTunnel) up() {
	t.events <- TunnelEvent{Kind: EventUp, Metadata: testMetadata}
}

func (t *fakeTunnel) down(reason string) {
	t.events <- TunnelEvent{Kind: EventDown, Reason: reason}
}

type fakeProvider struct {
	mu       sync.Mutex
	started  chan *fakeTunnel
	startErr error
	holdExit bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{started: make(chan *fakeTunnel, 32)}
}

func (p *fakeProvider) Start(_ context.Context, params TunnelParameters) (Tunnel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	t := newFakeTunnel(params)
	t.holdExit = p.holdExit
	p.started <- t
	return t, nil
}

type harness struct {
	t           *testing.T
	fw          *fakeFirewall
	dns         *fakeDNS
	routes      *fakeRoutes
	gen         *fakeGenerator
	provider    *fakeProvider
	transitions chan TunnelStateTransition
	shutdown    chan struct{}
	sender      *CommandSender
}

type harnessOption func(*harness, *Settings)

func withGenerator(fn func(uint32) (TunnelParameters, error)) harnessOption {
	return func(h *harness, _ *Settings) { h.gen.fn = fn }
}

func withSettings(fn func(*Settings)) harnessOption {
	return func(_ *harness, s *Settings) { fn(s) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		fw:          &fakeFirewall{},
		dns:         &fakeDNS{},
		routes:      &fakeRoutes{},
		gen:         &fakeGenerator{},
		provider:    newFakeProvider(),
		transitions: make(chan TunnelStateTransition, 64),
		shutdown:    make(chan struct{}),
	}
	var settings Settings
	for _, opt := range opts {
		opt(h, &settings)
	}

	collab := Collaborators{
		NewFirewall:     func() (Firewall, error) { return h.fw, nil },
		NewDNSMonitor:   func() (DNSMonitor, error) { return h.dns, nil },
		NewRouteManager: func() (RouteManager, error) { return h.routes, nil },
	}
	listener := func(tr TunnelStateTransition) error {
		h.transitions <- tr
		return nil
	}

	sender, err := Spawn(settings, collab, h.gen, h.provider, listener, h.shutdown)
	require.NoError(t, err)
	h.sender = sender
	t.Cleanup(h.stop)
	return h
}

func (h *harness) send(cmds ...TunnelCommand) {
	h.t.Helper()
	for _, cmd := range cmds {
		require.NoError(h.t, h.sender.Send(cmd))
	}
}

func (h *harness) next() TunnelStateTransition {
	h.t.Helper()
	select {
	case tr := <-h.transitions:
		return tr
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a state transition")
		return TunnelStateTransition{}
	}
}

func (h *harness) expectState(state TunnelState) TunnelStateTransition {
	h.t.Helper()
	tr := h.next()
	require.Equal(h.t, state, tr.State, "got transition %s", tr)
	return tr
}

func (h *harness) expectNoTransition(wait time.Duration) {
	h.t.Helper()
	select {
	case tr := <-h.transitions:
		h.t.Fatalf("unexpected transition %s", tr)
	case <-time.After(wait):
	}
}

func (h *harness) tunnel() *fakeTunnel {
	h.t.Helper()
	select {
	case tun := <-h.provider.started:
		return tun
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a tunnel to start")
		return nil
	}
}

// connect drives the machine to Connected and returns the live tunnel.
func (h *harness) connect() *fakeTunnel {
	h.t.Helper()
	h.send(Connect{})
	h.expectState(StateConnecting)
	tun := h.tunnel()
	tun.up()
	h.expectState(StateConnected)
	return tun
}

func (h *harness) stop() {
	h.sender.Close()
	select {
	case <-h.shutdown:
	case <-time.After(2 * time.Second):
		h.t.Error("machine did not shut down")
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
