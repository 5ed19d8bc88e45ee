package dns

import (
	"errors"
	"net/netip"
	"testing"
)

type recordingConfigurator struct {
	iface    string
	sets     [][]netip.Addr
	restores int
	closed   bool
	failSet  error
}

func (r *recordingConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if r.failSet != nil {
		return nil, r.failSet
	}
	r.sets = append(r.sets, servers)
	return nil, nil
}

func (r *recordingConfigurator) RestoreDNS() error {
	r.restores++
	return nil
}

func (r *recordingConfigurator) GetCurrentDNS() ([]netip.Addr, error) { return nil, nil }
func (r *recordingConfigurator) Name() string                         { return "recording" }
func (r *recordingConfigurator) Close() error {
	r.closed = true
	return nil
}

func TestMonitorSetAndReset(t *testing.T) {
	var created []*recordingConfigurator
	m := newMonitorWith(func(iface string) (Configurator, error) {
		c := &recordingConfigurator{iface: iface}
		created = append(created, c)
		return c, nil
	})
	servers := []netip.Addr{netip.MustParseAddr("10.64.0.1")}

	if err := m.Set("wg0", servers); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("wg0", servers); err != nil {
		t.Fatalf("second Set: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d configurators, want 1", len(created))
	}
	if got := len(created[0].sets); got != 1 {
		t.Errorf("identical Set applied %d times, want 1", got)
	}

	if err := m.Set("wg0", []netip.Addr{netip.MustParseAddr("9.9.9.9")}); err != nil {
		t.Fatalf("Set new servers: %v", err)
	}
	if got := len(created[0].sets); got != 2 {
		t.Errorf("changed servers applied %d times, want 2", got)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if created[0].restores != 1 || !created[0].closed {
		t.Errorf("reset did not restore and close: %+v", created[0])
	}
	if err := m.Reset(); err != nil {
		t.Errorf("second Reset: %v", err)
	}
	if created[0].restores != 1 {
		t.Errorf("second Reset restored again")
	}
}

func TestMonitorSwitchingInterfaceRestoresFirst(t *testing.T) {
	var created []*recordingConfigurator
	m := newMonitorWith(func(iface string) (Configurator, error) {
		c := &recordingConfigurator{iface: iface}
		created = append(created, c)
		return c, nil
	})
	servers := []netip.Addr{netip.MustParseAddr("10.64.0.1")}

	if err := m.Set("wg0", servers); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("wg1", servers); err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d configurators, want 2", len(created))
	}
	if created[0].restores != 1 {
		t.Errorf("old interface not restored")
	}
	if created[1].iface != "wg1" || len(created[1].sets) != 1 {
		t.Errorf("new interface not configured: %+v", created[1])
	}
}

func TestMonitorPropagatesErrors(t *testing.T) {
	errNoBus := errors.New("no system bus")
	m := newMonitorWith(func(string) (Configurator, error) { return nil, errNoBus })
	if err := m.Set("wg0", []netip.Addr{netip.MustParseAddr("10.64.0.1")}); !errors.Is(err, errNoBus) {
		t.Errorf("Set error = %v, want %v", err, errNoBus)
	}

	errSet := errors.New("reapply failed")
	m = newMonitorWith(func(string) (Configurator, error) {
		return &recordingConfigurator{failSet: errSet}, nil
	})
	if err := m.Set("wg0", []netip.Addr{netip.MustParseAddr("10.64.0.1")}); !errors.Is(err, errSet) {
		t.Errorf("Set error = %v, want %v", err, errSet)
	}
}
