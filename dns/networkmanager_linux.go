//go:build linux

package dns

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	dbus "github.com/godbus/dbus/v5"
)

const (
	networkManagerDest                       = "org.freedesktop.NetworkManager"
	networkManagerDbusObjectNode             = "/org/freedesktop/NetworkManager"
	networkManagerDbusGetDeviceByIPIface     = networkManagerDest + ".GetDeviceByIpIface"
	networkManagerDbusDeviceInterface        = "org.freedesktop.NetworkManager.Device"
	networkManagerDbusDeviceGetApplied       = networkManagerDbusDeviceInterface + ".GetAppliedConnection"
	networkManagerDbusDeviceReapply          = networkManagerDbusDeviceInterface + ".Reapply"
	networkManagerDbusDNSManagerObjectNode   = networkManagerDbusObjectNode + "/DnsManager"
	networkManagerDbusDNSManagerModeProperty = "org.freedesktop.NetworkManager.DnsManager.Mode"
	networkManagerDbusIPv4Key                = "ipv4"
	networkManagerDbusIPv6Key                = "ipv6"
	networkManagerDbusDNSKey                 = "dns"
	networkManagerDbusDNSPriorityKey         = "dns-priority"
	networkManagerDbusPrimaryDNSPriority     = int32(-500)
)

type networkManagerConnSettings map[string]map[string]dbus.Variant
type networkManagerConfigVersion uint64

// cleanDeprecatedSettings drops keys GetAppliedConnection still returns but
// Reapply rejects.
func (s networkManagerConnSettings) cleanDeprecatedSettings() {
	for _, key := range []string{"addresses", "routes"} {
		if ipv4, ok := s[networkManagerDbusIPv4Key]; ok {
			delete(ipv4, key)
		}
		if ipv6, ok := s[networkManagerDbusIPv6Key]; ok {
			delete(ipv6, key)
		}
	}
}

// NetworkManagerConfigurator reapplies the tunnel device's connection with
// the tunnel's IPv4 DNS servers at top priority.
type NetworkManagerConfigurator struct {
	ifaceName       string
	conn            *dbus.Conn
	device          dbus.BusObject
	originalServers []netip.Addr
	saved           bool
}

func NewNetworkManagerConfigurator(ifaceName string) (*NetworkManagerConfigurator, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	var devicePath dbus.ObjectPath
	nm := conn.Object(networkManagerDest, networkManagerDbusObjectNode)
	if err := nm.CallWithContext(ctx, networkManagerDbusGetDeviceByIPIface, 0, ifaceName).Store(&devicePath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("get device by interface: %w", err)
	}

	return &NetworkManagerConfigurator{
		ifaceName: ifaceName,
		conn:      conn,
		device:    conn.Object(networkManagerDest, devicePath),
	}, nil
}

func (n *NetworkManagerConfigurator) Name() string {
	return "networkmanager-dbus"
}

func (n *NetworkManagerConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if !n.saved {
		current, err := n.GetCurrentDNS()
		if err != nil {
			return nil, fmt.Errorf("get current DNS: %w", err)
		}
		n.originalServers = current
		n.saved = true
	}
	if err := n.applyDNSServers(servers, networkManagerDbusPrimaryDNSPriority); err != nil {
		return nil, fmt.Errorf("apply DNS servers: %w", err)
	}
	return slices.Clone(n.originalServers), nil
}

func (n *NetworkManagerConfigurator) RestoreDNS() error {
	if !n.saved {
		return nil
	}
	if err := n.applyDNSServers(n.originalServers, 0); err != nil {
		return fmt.Errorf("restore DNS servers: %w", err)
	}
	n.saved = false
	return nil
}

func (n *NetworkManagerConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	settings, _, err := n.appliedConnection()
	if err != nil {
		return nil, fmt.Errorf("get connection settings: %w", err)
	}
	return extractNetworkManagerDNS(settings), nil
}

func (n *NetworkManagerConfigurator) Close() error {
	return n.conn.Close()
}

func (n *NetworkManagerConfigurator) applyDNSServers(servers []netip.Addr, priority int32) error {
	settings, version, err := n.appliedConnection()
	if err != nil {
		return fmt.Errorf("get connection settings: %w", err)
	}
	settings.cleanDeprecatedSettings()
	if settings[networkManagerDbusIPv4Key] == nil {
		settings[networkManagerDbusIPv4Key] = make(map[string]dbus.Variant)
	}

	encoded := encodeNetworkManagerDNS(servers)
	if len(encoded) == 0 && len(servers) > 0 {
		return errors.New("no IPv4 DNS servers provided")
	}

	settings[networkManagerDbusIPv4Key][networkManagerDbusDNSKey] = dbus.MakeVariant(encoded)
	settings[networkManagerDbusIPv4Key][networkManagerDbusDNSPriorityKey] = dbus.MakeVariant(priority)

	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()
	if err := n.device.CallWithContext(ctx, networkManagerDbusDeviceReapply, 0, settings, version, uint32(0)).Store(); err != nil {
		return fmt.Errorf("reapply connection: %w", err)
	}
	return nil
}

func (n *NetworkManagerConfigurator) appliedConnection() (networkManagerConnSettings, networkManagerConfigVersion, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbusCallTimeout)
	defer cancel()

	var settings networkManagerConnSettings
	var version networkManagerConfigVersion
	if err := n.device.CallWithContext(ctx, networkManagerDbusDeviceGetApplied, 0, uint32(0)).Store(&settings, &version); err != nil {
		return nil, 0, fmt.Errorf("get applied connection: %w", err)
	}
	return settings, version, nil
}

// encodeNetworkManagerDNS packs IPv4 servers as little-endian uint32s, the
// form NetworkManager uses for ipv4.dns. IPv6 servers are skipped.
func encodeNetworkManagerDNS(servers []netip.Addr) []uint32 {
	var out []uint32
	for _, server := range servers {
		server = server.Unmap()
		if server.Is4() {
			b := server.As4()
			out = append(out, binary.LittleEndian.Uint32(b[:]))
		}
	}
	return out
}

func extractNetworkManagerDNS(settings networkManagerConnSettings) []netip.Addr {
	var servers []netip.Addr
	ipv4, ok := settings[networkManagerDbusIPv4Key]
	if !ok {
		return servers
	}
	variant, ok := ipv4[networkManagerDbusDNSKey]
	if !ok {
		return servers
	}
	raw, ok := variant.Value().([]uint32)
	if !ok {
		return servers
	}
	for _, v := range raw {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		servers = append(servers, netip.AddrFrom4(b))
	}
	return servers
}

func IsNetworkManagerAvailable() bool {
	return pingDbusPeer(networkManagerDest, networkManagerDbusObjectNode)
}

// NetworkManagerDNSMode reports NetworkManager's DNS mode, e.g.
// "systemd-resolved" when it delegates to resolved.
func NetworkManagerDNSMode() (string, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return "", fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(networkManagerDest, networkManagerDbusDNSManagerObjectNode)
	v, err := obj.GetProperty(networkManagerDbusDNSManagerModeProperty)
	if err != nil {
		return "", fmt.Errorf("get DNS mode property: %w", err)
	}
	mode, ok := v.Value().(string)
	if !ok {
		return "", errors.New("DNS mode is not a string")
	}
	return mode, nil
}
