//go:build linux

package dns

import (
	"bytes"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/fosrl/tunnelctl/logger"
)

// ResolvconfConfigurator registers the tunnel's servers with resolvconf(8)
// under an interface record of its own.
type ResolvconfConfigurator struct {
	record  string
	applied bool
	file    *FileConfigurator
}

func NewResolvconfConfigurator(ifaceName string) (*ResolvconfConfigurator, error) {
	if !IsResolvconfAvailable() {
		return nil, fmt.Errorf("resolvconf not found in PATH")
	}
	file, err := NewFileConfigurator(defaultResolvConfPath)
	if err != nil {
		return nil, err
	}
	return &ResolvconfConfigurator{record: ifaceName + ".tunnelctl", file: file}, nil
}

func (r *ResolvconfConfigurator) Name() string {
	return "resolvconf"
}

func (r *ResolvconfConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}
	original, err := r.file.GetCurrentDNS()
	if err != nil {
		original = nil
	}

	var b strings.Builder
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	// -x marks the record exclusive so other interfaces' servers are dropped.
	if err := runResolvconf([]byte(b.String()), "-x", "-a", r.record); err != nil {
		return nil, err
	}
	r.applied = true
	return original, nil
}

func (r *ResolvconfConfigurator) RestoreDNS() error {
	if !r.applied {
		return nil
	}
	if err := runResolvconf(nil, "-f", "-d", r.record); err != nil {
		return err
	}
	r.applied = false
	return nil
}

func (r *ResolvconfConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	return r.file.GetCurrentDNS()
}

func runResolvconf(stdin []byte, args ...string) error {
	cmd := exec.Command("resolvconf", args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	logger.Debug("dns: running command: %v", cmd.Args)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("resolvconf %s failed: %v, output: %s", strings.Join(args, " "), err, out)
	}
	return nil
}
