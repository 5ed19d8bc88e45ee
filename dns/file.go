//go:build linux

package dns

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/fosrl/tunnelctl/logger"
	mdns "github.com/miekg/dns"
)

const (
	defaultResolvConfPath = "/etc/resolv.conf"
	fileBackupSuffix      = ".tunnelctl.bak"
	fileHeader            = "# Generated by tunnelctl. The original is restored on disconnect.\n"
)

// FileConfigurator rewrites resolv.conf directly, keeping a backup next to it.
type FileConfigurator struct {
	path       string
	backupPath string
	original   []byte
	saved      bool
}

func NewFileConfigurator(path string) (*FileConfigurator, error) {
	if path == "" {
		path = defaultResolvConfPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	f := &FileConfigurator{path: path, backupPath: path + fileBackupSuffix}
	if err := f.cleanupUncleanShutdown(); err != nil {
		logger.Warn("dns: cleanup of unclean shutdown failed: %v", err)
	}
	return f, nil
}

func (f *FileConfigurator) Name() string {
	return "file"
}

// cleanupUncleanShutdown restores a backup left behind by a crash.
func (f *FileConfigurator) cleanupUncleanShutdown() error {
	data, err := os.ReadFile(f.backupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("dns: restoring %s from leftover backup", f.path)
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return err
	}
	return os.Remove(f.backupPath)
}

func (f *FileConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}

	if !f.saved {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		if err := os.WriteFile(f.backupPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write backup: %w", err)
		}
		f.original = data
		f.saved = true
	}

	originalServers, err := parseResolvConf(f.original)
	if err != nil {
		logger.Debug("dns: could not parse original resolv.conf: %v", err)
	}

	search, err := searchDomains(f.original)
	if err != nil {
		search = nil
	}

	if err := os.WriteFile(f.path, renderResolvConf(servers, search), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", f.path, err)
	}
	return originalServers, nil
}

func (f *FileConfigurator) RestoreDNS() error {
	if !f.saved {
		return nil
	}
	if err := os.WriteFile(f.path, f.original, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", f.path, err)
	}
	f.saved = false
	f.original = nil
	if err := os.Remove(f.backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove backup: %w", err)
	}
	return nil
}

func (f *FileConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	config, err := mdns.ClientConfigFromFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return parseServers(config.Servers), nil
}

func parseResolvConf(data []byte) ([]netip.Addr, error) {
	config, err := mdns.ClientConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return parseServers(config.Servers), nil
}

func searchDomains(data []byte) ([]string, error) {
	config, err := mdns.ClientConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return config.Search, nil
}

func parseServers(servers []string) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(servers))
	for _, s := range servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			logger.Debug("dns: skipping unparsable nameserver %q", s)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func renderResolvConf(servers []netip.Addr, search []string) []byte {
	var b strings.Builder
	b.WriteString(fileHeader)
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if len(search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(search, " "))
	}
	return []byte(b.String())
}
