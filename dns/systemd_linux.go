//go:build linux

package dns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/fosrl/tunnelctl/logger"
	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	systemdResolvedDest              = "org.freedesktop.resolve1"
	systemdDbusObjectNode            = "/org/freedesktop/resolve1"
	systemdDbusManagerIface          = "org.freedesktop.resolve1.Manager"
	systemdDbusGetLinkMethod         = systemdDbusManagerIface + ".GetLink"
	systemdDbusFlushCachesMethod     = systemdDbusManagerIface + ".FlushCaches"
	systemdDbusLinkInterface         = "org.freedesktop.resolve1.Link"
	systemdDbusSetDNSMethod          = systemdDbusLinkInterface + ".SetDNS"
	systemdDbusSetDefaultRouteMethod = systemdDbusLinkInterface + ".SetDefaultRoute"
	systemdDbusSetDomainsMethod      = systemdDbusLinkInterface + ".SetDomains"
	systemdDbusSetDNSSECMethod       = systemdDbusLinkInterface + ".SetDNSSEC"
	systemdDbusSetDNSOverTLSMethod   = systemdDbusLinkInterface + ".SetDNSOverTLS"
	systemdDbusRevertMethod          = systemdDbusLinkInterface + ".Revert"

	// RootZone matches every query.
	RootZone = "."

	dbusCallTimeout = 5 * time.Second
)

// systemdDbusDNSInput maps to (iay) for SetDNS.
type systemdDbusDNSInput struct {
	Family  int32
	Address []byte
}

// systemdDbusDomainsInput maps to (sb) for SetDomains.
type systemdDbusDomainsInput struct {
	Domain    string
	MatchOnly bool
}

// SystemdResolvedConfigurator sets per-link DNS on the tunnel interface and
// makes it the default DNS route. Link settings vanish with the interface,
// so a crash leaves nothing behind.
type SystemdResolvedConfigurator struct {
	ifaceName string
	conn      *dbus.Conn
	link      dbus.BusObject
	manager   dbus.BusObject
	applied   bool
}

func NewSystemdResolvedConfigurator(ifaceName string) (*SystemdResolvedConfigurator, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("get interface: %w", err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	manager := conn.Object(systemdResolvedDest, systemdDbusObjectNode)

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	var linkPath dbus.ObjectPath
	if err := manager.CallWithContext(ctx, systemdDbusGetLinkMethod, 0, int32(iface.Index)).Store(&linkPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("get link: %w", err)
	}

	return &SystemdResolvedConfigurator{
		ifaceName: ifaceName,
		conn:      conn,
		link:      conn.Object(systemdResolvedDest, linkPath),
		manager:   manager,
	}, nil
}

func (s *SystemdResolvedConfigurator) Name() string {
	return "systemd-resolved"
}

// SetDNS returns no original servers: resolved keeps the other links'
// settings intact and only this link is touched.
func (s *SystemdResolvedConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}

	inputs := make([]systemdDbusDNSInput, 0, len(servers))
	for _, server := range servers {
		family := unix.AF_INET
		if server.Is6() && !server.Is4In6() {
			family = unix.AF_INET6
		}
		inputs = append(inputs, systemdDbusDNSInput{
			Family:  int32(family),
			Address: server.Unmap().AsSlice(),
		})
	}

	if err := s.callLink(systemdDbusSetDNSMethod, inputs); err != nil {
		return nil, fmt.Errorf("set DNS servers: %w", err)
	}
	s.applied = true

	if err := s.callLink(systemdDbusSetDefaultRouteMethod, true); err != nil {
		return nil, fmt.Errorf("set default route: %w", err)
	}
	domains := []systemdDbusDomainsInput{{Domain: RootZone, MatchOnly: true}}
	if err := s.callLink(systemdDbusSetDomainsMethod, domains); err != nil {
		return nil, fmt.Errorf("set domains: %w", err)
	}

	if err := s.callLink(systemdDbusSetDNSSECMethod, "no"); err != nil {
		logger.Warn("dns: failed to disable DNSSEC on %s: %v", s.ifaceName, err)
	}
	if err := s.callLink(systemdDbusSetDNSOverTLSMethod, "no"); err != nil {
		logger.Warn("dns: failed to disable DNSOverTLS on %s: %v", s.ifaceName, err)
	}
	s.flushCaches()

	return nil, nil
}

func (s *SystemdResolvedConfigurator) RestoreDNS() error {
	if !s.applied {
		return nil
	}
	if err := s.callLink(systemdDbusRevertMethod); err != nil {
		return fmt.Errorf("revert DNS settings: %w", err)
	}
	s.applied = false
	s.flushCaches()
	return nil
}

// GetCurrentDNS is not exposed per link by resolved's D-Bus API.
func (s *SystemdResolvedConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	return []netip.Addr{}, nil
}

func (s *SystemdResolvedConfigurator) Close() error {
	return s.conn.Close()
}

func (s *SystemdResolvedConfigurator) callLink(method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()
	if err := s.link.CallWithContext(ctx, method, 0, args...).Store(); err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	return nil
}

func (s *SystemdResolvedConfigurator) flushCaches() {
	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()
	if err := s.manager.CallWithContext(ctx, systemdDbusFlushCachesMethod, 0).Store(); err != nil {
		logger.Warn("dns: failed to flush systemd-resolved caches: %v", err)
	}
}

// IsSystemdResolvedAvailable pings resolved on the system bus.
func IsSystemdResolvedAvailable() bool {
	return pingDbusPeer(systemdResolvedDest, systemdDbusObjectNode)
}

func pingDbusPeer(dest string, path dbus.ObjectPath) bool {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.Object(dest, path).CallWithContext(ctx, "org.freedesktop.DBus.Peer.Ping", 0).Store(); err != nil {
		logger.Debug("dns: ping %s failed: %v", dest, err)
		return false
	}
	return true
}
