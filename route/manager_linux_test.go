//go:build linux

package route

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

type fakeHandle struct {
	links    map[string]netlink.Link
	routes   []netlink.Route
	replaced []netlink.Route
	deleted  []netlink.Route
	delErr   error
}

func (f *fakeHandle) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, errors.New("link not found")
}

func (f *fakeHandle) RouteList(_ netlink.Link, family int) ([]netlink.Route, error) {
	var out []netlink.Route
	for _, r := range f.routes {
		if family == netlink.FAMILY_ALL || r.Family == family {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHandle) RouteListFiltered(_ int, filter *netlink.Route, _ uint64) ([]netlink.Route, error) {
	var out []netlink.Route
	for _, r := range f.routes {
		if r.Protocol == filter.Protocol {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHandle) RouteReplace(r *netlink.Route) error {
	f.replaced = append(f.replaced, *r)
	return nil
}

func (f *fakeHandle) RouteDel(r *netlink.Route) error {
	f.deleted = append(f.deleted, *r)
	return f.delErr
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		links: map[string]netlink.Link{
			"wg-test": &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "wg-test", Index: 7}},
		},
		routes: []netlink.Route{
			{Family: netlink.FAMILY_V4, LinkIndex: 2, Gw: net.ParseIP("192.168.1.1"), Priority: 600},
			{Family: netlink.FAMILY_V4, LinkIndex: 3, Gw: net.ParseIP("192.168.2.1"), Priority: 100},
			{
				Family:    netlink.FAMILY_V4,
				LinkIndex: 2,
				Dst:       &net.IPNet{IP: net.IPv4(192, 168, 1, 0).To4(), Mask: net.CIDRMask(24, 32)},
			},
		},
	}
}

func dst(r netlink.Route) string {
	return r.Dst.String()
}

func TestAddRoutesTunnelDefaultIsSplit(t *testing.T) {
	h := newFakeHandle()
	m := &Manager{h: h}

	err := m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Node: tunnelstate.RouteNode{Interface: "wg-test"}},
	})
	require.NoError(t, err)
	require.Len(t, h.replaced, 2)
	assert.Equal(t, "0.0.0.0/1", dst(h.replaced[0]))
	assert.Equal(t, "128.0.0.0/1", dst(h.replaced[1]))
	for _, r := range h.replaced {
		assert.Equal(t, 7, r.LinkIndex)
		assert.Equal(t, netlink.SCOPE_LINK, r.Scope)
		assert.Equal(t, routeProtocol, r.Protocol)
	}
}

func TestAddRoutesViaDefaultUsesLowestMetric(t *testing.T) {
	h := newFakeHandle()
	m := &Manager{h: h}

	err := m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Node: tunnelstate.DefaultNode},
	})
	require.NoError(t, err)
	require.Len(t, h.replaced, 1)
	assert.Equal(t, "203.0.113.10/32", dst(h.replaced[0]))
	assert.Equal(t, 3, h.replaced[0].LinkIndex)
	assert.Equal(t, "192.168.2.1", h.replaced[0].Gw.String())
}

func TestAddRoutesWithoutDefault(t *testing.T) {
	h := newFakeHandle()
	m := &Manager{h: h}

	// LAN prefixes of a family without a default route are skipped.
	err := m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("fe80::/10"), Node: tunnelstate.DefaultNode},
	})
	require.NoError(t, err)
	assert.Empty(t, h.replaced)

	// A host route to the relay cannot be skipped.
	err = m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("2001:db8::10/128"), Node: tunnelstate.DefaultNode},
	})
	assert.ErrorIs(t, err, ErrNoDefaultRoute)
}

func TestAddRoutesUnknownInterface(t *testing.T) {
	m := &Manager{h: newFakeHandle()}
	err := m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Node: tunnelstate.RouteNode{Interface: "missing0"}},
	})
	assert.Error(t, err)
}

func TestClearRoutesRemovesOnlyInstalled(t *testing.T) {
	h := newFakeHandle()
	m := &Manager{h: h}

	require.NoError(t, m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Node: tunnelstate.RouteNode{Interface: "wg-test"}},
		{Prefix: netip.MustParsePrefix("203.0.113.10/32"), Node: tunnelstate.DefaultNode},
	}))
	require.NoError(t, m.ClearRoutes())
	require.Len(t, h.deleted, 3)
	assert.Equal(t, "203.0.113.10/32", dst(h.deleted[0]))

	h.deleted = nil
	require.NoError(t, m.ClearRoutes())
	assert.Empty(t, h.deleted)
}

func TestClearRoutesIgnoresMissing(t *testing.T) {
	h := newFakeHandle()
	m := &Manager{h: h}
	require.NoError(t, m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("10.64.0.0/24"), Node: tunnelstate.RouteNode{Interface: "wg-test"}},
	}))

	h.delErr = unix.ESRCH
	assert.NoError(t, m.ClearRoutes())

	require.NoError(t, m.AddRoutes([]tunnelstate.RequiredRoute{
		{Prefix: netip.MustParsePrefix("10.64.0.0/24"), Node: tunnelstate.RouteNode{Interface: "wg-test"}},
	}))
	h.delErr = errors.New("operation not permitted")
	assert.Error(t, m.ClearRoutes())
}

func TestFlushStale(t *testing.T) {
	h := newFakeHandle()
	h.routes = append(h.routes, netlink.Route{
		Family:   netlink.FAMILY_V4,
		Dst:      &net.IPNet{IP: net.IPv4(0, 0, 0, 0).To4(), Mask: net.CIDRMask(1, 32)},
		Protocol: routeProtocol,
	})
	m := &Manager{h: h}
	m.flushStale()
	require.Len(t, h.deleted, 1)
	assert.Equal(t, "0.0.0.0/1", dst(h.deleted[0]))
}

func TestHasDefaultRoute(t *testing.T) {
	h := newFakeHandle()
	assert.True(t, hasDefaultRoute(h))

	h.routes = h.routes[2:]
	assert.False(t, hasDefaultRoute(h))
}
