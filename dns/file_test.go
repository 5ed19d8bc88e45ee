//go:build linux

package dns

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleResolvConf = `# managed by hand
nameserver 192.168.1.1
nameserver 2001:db8::53
search corp.example home.arpa
options ndots:2
`

func writeResolvConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write resolv.conf: %v", err)
	}
	return path
}

func TestFileConfiguratorSetAndRestore(t *testing.T) {
	path := writeResolvConf(t, sampleResolvConf)
	f, err := NewFileConfigurator(path)
	if err != nil {
		t.Fatalf("NewFileConfigurator: %v", err)
	}

	original, err := f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.1")})
	if err != nil {
		t.Fatalf("SetDNS: %v", err)
	}
	want := []netip.Addr{netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("2001:db8::53")}
	if len(original) != len(want) || original[0] != want[0] || original[1] != want[1] {
		t.Errorf("original servers = %v, want %v", original, want)
	}

	current, err := f.GetCurrentDNS()
	if err != nil {
		t.Fatalf("GetCurrentDNS: %v", err)
	}
	if len(current) != 1 || current[0] != netip.MustParseAddr("10.64.0.1") {
		t.Errorf("current servers = %v, want [10.64.0.1]", current)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "search corp.example home.arpa") {
		t.Errorf("search domains not preserved:\n%s", data)
	}
	if _, err := os.Stat(path + fileBackupSuffix); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	// A second override must not replace the saved original.
	if _, err := f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.2")}); err != nil {
		t.Fatalf("second SetDNS: %v", err)
	}

	if err := f.RestoreDNS(); err != nil {
		t.Fatalf("RestoreDNS: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != sampleResolvConf {
		t.Errorf("restored file differs:\n%s", data)
	}
	if _, err := os.Stat(path + fileBackupSuffix); !os.IsNotExist(err) {
		t.Errorf("backup still present after restore: %v", err)
	}
}

func TestFileConfiguratorRecoversLeftoverBackup(t *testing.T) {
	path := writeResolvConf(t, "nameserver 10.64.0.1\n")
	if err := os.WriteFile(path+fileBackupSuffix, []byte(sampleResolvConf), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileConfigurator(path); err != nil {
		t.Fatalf("NewFileConfigurator: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != sampleResolvConf {
		t.Errorf("leftover backup not restored:\n%s", data)
	}
}

func TestFileConfiguratorRejectsEmptyServers(t *testing.T) {
	f, err := NewFileConfigurator(writeResolvConf(t, sampleResolvConf))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.SetDNS(nil); err == nil {
		t.Error("expected error for empty server list")
	}
}

func TestRestoreWithoutSetIsNoop(t *testing.T) {
	path := writeResolvConf(t, sampleResolvConf)
	f, err := NewFileConfigurator(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.RestoreDNS(); err != nil {
		t.Errorf("RestoreDNS: %v", err)
	}
}
