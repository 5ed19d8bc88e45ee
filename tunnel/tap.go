package tunnel

import (
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// tapDevice passes TUN events through to the WireGuard device and copies
// them to the tunnel so it can see the link go down.
type tapDevice struct {
	tun.Device
	events    chan tun.Event
	observed  chan tun.Event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newTapDevice(d tun.Device) *tapDevice {
	t := &tapDevice{
		Device:   d,
		events:   make(chan tun.Event, 4),
		observed: make(chan tun.Event, 4),
		closed:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.forward()
	return t
}

func (t *tapDevice) Events() <-chan tun.Event {
	return t.events
}

// Observed carries a copy of every event. Events are dropped when the
// reader falls behind.
func (t *tapDevice) Observed() <-chan tun.Event {
	return t.observed
}

func (t *tapDevice) forward() {
	defer t.wg.Done()
	defer close(t.events)
	for {
		select {
		case ev, ok := <-t.Device.Events():
			if !ok {
				return
			}
			select {
			case t.observed <- ev:
			default:
			}
			select {
			case t.events <- ev:
			case <-t.closed:
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *tapDevice) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.Device.Close()
		t.wg.Wait()
	})
	return err
}
