package dns

import (
	"io"
	"net/netip"
	"slices"
	"sync"

	"github.com/fosrl/tunnelctl/logger"
)

// Configurator overrides system DNS settings for one interface.
type Configurator interface {
	// SetDNS overrides the system DNS servers and returns the servers that
	// were configured before the first override.
	SetDNS(servers []netip.Addr) ([]netip.Addr, error)

	// RestoreDNS reverts to the configuration captured by the first SetDNS.
	RestoreDNS() error

	GetCurrentDNS() ([]netip.Addr, error)

	Name() string
}

// Monitor points host resolution at the tunnel's DNS servers. It picks a
// configurator for the tunnel interface on first use and keeps it until
// Reset.
type Monitor struct {
	mu              sync.Mutex
	newConfigurator func(iface string) (Configurator, error)
	active          Configurator
	activeIface     string
	current         []netip.Addr
}

// NewMonitor returns a Monitor using the platform's configurator detection.
func NewMonitor() (*Monitor, error) {
	return &Monitor{newConfigurator: newPlatformConfigurator}, nil
}

func newMonitorWith(factory func(iface string) (Configurator, error)) *Monitor {
	return &Monitor{newConfigurator: factory}
}

// Set configures servers on iface. Switching interfaces restores the
// previous configuration first.
func (m *Monitor) Set(iface string, servers []netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.activeIface != iface {
		if err := m.resetLocked(); err != nil {
			logger.Warn("dns: failed to restore DNS on %s before switching to %s: %v", m.activeIface, iface, err)
		}
	}

	if m.active == nil {
		c, err := m.newConfigurator(iface)
		if err != nil {
			return err
		}
		logger.Info("dns: using %s configurator for %s", c.Name(), iface)
		m.active = c
		m.activeIface = iface
	}

	if slices.Equal(m.current, servers) {
		return nil
	}

	original, err := m.active.SetDNS(servers)
	if err != nil {
		return err
	}
	m.current = slices.Clone(servers)
	logger.Info("dns: set servers %v on %s (previously %v)", servers, iface, original)
	return nil
}

// Reset restores the host's DNS configuration. It is a no-op when nothing
// has been set.
func (m *Monitor) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetLocked()
}

func (m *Monitor) resetLocked() error {
	if m.active == nil {
		return nil
	}
	c := m.active
	m.active = nil
	m.activeIface = ""
	m.current = nil

	err := c.RestoreDNS()
	if closer, ok := c.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			logger.Debug("dns: closing %s configurator: %v", c.Name(), cerr)
		}
	}
	if err != nil {
		return err
	}
	logger.Info("dns: restored original DNS configuration")
	return nil
}

func (m *Monitor) Close() error {
	return m.Reset()
}
