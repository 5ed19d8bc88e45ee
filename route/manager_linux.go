//go:build linux

package route

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

// routeProtocol tags every route the manager installs so leftovers from an
// unclean exit can be found again.
const routeProtocol = netlink.RouteProtocol(84)

const mainTable = unix.RT_TABLE_MAIN

type handle interface {
	LinkByName(name string) (netlink.Link, error)
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteListFiltered(family int, filter *netlink.Route, mask uint64) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

type systemHandle struct{}

func (systemHandle) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (systemHandle) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}
func (systemHandle) RouteListFiltered(family int, filter *netlink.Route, mask uint64) ([]netlink.Route, error) {
	return netlink.RouteListFiltered(family, filter, mask)
}
func (systemHandle) RouteReplace(route *netlink.Route) error { return netlink.RouteReplace(route) }
func (systemHandle) RouteDel(route *netlink.Route) error     { return netlink.RouteDel(route) }

// Manager installs routes through netlink and removes exactly the routes it
// installed.
type Manager struct {
	mu        sync.Mutex
	h         handle
	installed []netlink.Route
}

// New returns a Manager after removing routes left by a previous run.
func New() (*Manager, error) {
	m := &Manager{h: systemHandle{}}
	m.flushStale()
	return m, nil
}

func (m *Manager) flushStale() {
	stale, err := m.h.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{Protocol: routeProtocol}, netlink.RT_FILTER_PROTOCOL)
	if err != nil {
		logger.Debug("route: listing stale routes: %v", err)
		return
	}
	for i := range stale {
		if err := m.h.RouteDel(&stale[i]); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.Warn("route: failed to remove stale route %s: %v", stale[i].Dst, err)
			continue
		}
		logger.Info("route: removed stale route %s", stale[i].Dst)
	}
}

// AddRoutes installs routes on top of whatever is already installed.
func (m *Manager) AddRoutes(routes []tunnelstate.RequiredRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range routes {
		resolved, err := m.resolve(r)
		if err != nil {
			return fmt.Errorf("route: %s: %w", r, err)
		}
		for i := range resolved {
			if err := m.h.RouteReplace(&resolved[i]); err != nil {
				return fmt.Errorf("route: add %s: %w", r, err)
			}
			m.installed = append(m.installed, resolved[i])
		}
		logger.Debug("route: added %s", r)
	}
	logger.Info("route: %d routes installed", len(m.installed))
	return nil
}

// ClearRoutes removes every route installed by AddRoutes.
func (m *Manager) ClearRoutes() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := len(m.installed) - 1; i >= 0; i-- {
		if err := m.h.RouteDel(&m.installed[i]); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("route: delete %s: %w", m.installed[i].Dst, err))
		}
	}
	m.installed = nil
	return errors.Join(errs...)
}

func (m *Manager) Close() error {
	return m.ClearRoutes()
}

func (m *Manager) resolve(r tunnelstate.RequiredRoute) ([]netlink.Route, error) {
	var out []netlink.Route
	if r.Node.IsDefault() {
		def, ok, err := m.defaultRoute(familyOf(r.Prefix.Addr()))
		if err != nil {
			return nil, err
		}
		if !ok {
			if r.Prefix.IsSingleIP() {
				return nil, ErrNoDefaultRoute
			}
			logger.Debug("route: skipping %s, no default route for its family", r)
			return nil, nil
		}
		for _, p := range expandPrefix(r.Prefix) {
			out = append(out, netlink.Route{
				LinkIndex: def.LinkIndex,
				Dst:       toIPNet(p),
				Gw:        def.Gw,
				Protocol:  routeProtocol,
				Table:     mainTable,
			})
		}
		return out, nil
	}

	link, err := m.h.LinkByName(r.Node.Interface)
	if err != nil {
		return nil, fmt.Errorf("find interface %s: %w", r.Node.Interface, err)
	}
	for _, p := range expandPrefix(r.Prefix) {
		out = append(out, netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       toIPNet(p),
			Scope:     netlink.SCOPE_LINK,
			Protocol:  routeProtocol,
			Table:     mainTable,
		})
	}
	return out, nil
}

// defaultRoute returns the main-table default route with the lowest metric.
func (m *Manager) defaultRoute(family int) (netlink.Route, bool, error) {
	routes, err := m.h.RouteList(nil, family)
	if err != nil {
		return netlink.Route{}, false, fmt.Errorf("list routes: %w", err)
	}
	var defaults []netlink.Route
	for _, r := range routes {
		if isDefaultRoute(r) && r.Protocol != routeProtocol {
			defaults = append(defaults, r)
		}
	}
	if len(defaults) == 0 {
		return netlink.Route{}, false, nil
	}
	slices.SortStableFunc(defaults, func(a, b netlink.Route) int { return a.Priority - b.Priority })
	return defaults[0], true, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Table != 0 && r.Table != mainTable {
		return false
	}
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func familyOf(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
