//go:build linux

package dns

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strings"

	"github.com/fosrl/tunnelctl/logger"
)

// ManagerType is the DNS manager found on the host.
type ManagerType int

const (
	UnknownManager ManagerType = iota
	SystemdResolvedManager
	NetworkManagerManager
	ResolvconfManager
	FileManager
)

func (d ManagerType) String() string {
	switch d {
	case SystemdResolvedManager:
		return "systemd-resolved"
	case NetworkManagerManager:
		return "NetworkManager"
	case ResolvconfManager:
		return "resolvconf"
	case FileManager:
		return "file"
	default:
		return "unknown"
	}
}

// DetectManagerFromResolvConf reads the comment header of a resolv.conf to
// guess which manager owns it.
func DetectManagerFromResolvConf(data []byte) ManagerType {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text[0] != '#' {
			return FileManager
		}
		switch {
		case strings.Contains(text, "NetworkManager"):
			return NetworkManagerManager
		case strings.Contains(text, "systemd-resolved"):
			return SystemdResolvedManager
		case strings.Contains(text, "resolvconf"):
			return ResolvconfManager
		}
	}
	if scanner.Err() != nil {
		return UnknownManager
	}
	return FileManager
}

// DetectManager combines the resolv.conf hint with runtime availability
// checks.
func DetectManager() ManagerType {
	hint := UnknownManager
	if data, err := os.ReadFile(defaultResolvConfPath); err == nil {
		hint = DetectManagerFromResolvConf(data)
	}

	switch hint {
	case SystemdResolvedManager:
		if IsSystemdResolvedAvailable() {
			return SystemdResolvedManager
		}
		logger.Warn("dns: resolv.conf names systemd-resolved but it is not running, falling back to file")
		return FileManager
	case NetworkManagerManager:
		if IsNetworkManagerAvailable() {
			if mode, err := NetworkManagerDNSMode(); err == nil && mode == "systemd-resolved" && IsSystemdResolvedAvailable() {
				logger.Info("dns: NetworkManager delegates DNS to systemd-resolved, using systemd-resolved")
				return SystemdResolvedManager
			}
			return NetworkManagerManager
		}
		logger.Warn("dns: resolv.conf names NetworkManager but it is not running, falling back to file")
		return FileManager
	case ResolvconfManager:
		if IsResolvconfAvailable() {
			return ResolvconfManager
		}
		return FileManager
	default:
		if IsSystemdResolvedAvailable() {
			return SystemdResolvedManager
		}
		if IsNetworkManagerAvailable() {
			return NetworkManagerManager
		}
		if IsResolvconfAvailable() {
			return ResolvconfManager
		}
		return FileManager
	}
}

func IsResolvconfAvailable() bool {
	_, err := exec.LookPath("resolvconf")
	return err == nil
}

// newPlatformConfigurator tries the detected manager first and falls back
// to rewriting resolv.conf.
func newPlatformConfigurator(iface string) (Configurator, error) {
	manager := DetectManager()
	logger.Info("dns: detected DNS manager %s", manager)

	switch manager {
	case SystemdResolvedManager:
		c, err := NewSystemdResolvedConfigurator(iface)
		if err == nil {
			return c, nil
		}
		logger.Warn("dns: systemd-resolved configurator unavailable, falling back: %v", err)
	case NetworkManagerManager:
		c, err := NewNetworkManagerConfigurator(iface)
		if err == nil {
			return c, nil
		}
		logger.Warn("dns: NetworkManager configurator unavailable, falling back: %v", err)
	case ResolvconfManager:
		c, err := NewResolvconfConfigurator(iface)
		if err == nil {
			return c, nil
		}
		logger.Warn("dns: resolvconf configurator unavailable, falling back: %v", err)
	}

	return NewFileConfigurator(defaultResolvConfPath)
}
