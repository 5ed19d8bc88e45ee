package tunnel

import (
	"fmt"
	"time"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

// handshakeWatcher turns periodic UAPI reads into Up and Down events. It
// reports Up once on the first completed handshake and Down once when the
// first handshake never arrives or later handshakes stop. WireGuard only
// rekeys when it has something to send, so an old handshake counts as stale
// only if traffic went out since it completed.
type handshakeWatcher struct {
	get     func() (string, error)
	now     func() time.Time
	started time.Time
	timeout time.Duration
	stale   time.Duration

	lastHandshake time.Time
	txAtHandshake uint64

	up   bool
	down bool
}

func newHandshakeWatcher(get func() (string, error), timeout, stale time.Duration) *handshakeWatcher {
	return &handshakeWatcher{
		get:     get,
		now:     time.Now,
		started: time.Now(),
		timeout: timeout,
		stale:   stale,
	}
}

func (w *handshakeWatcher) check() (tunnelstate.TunnelEvent, bool) {
	if w.down {
		return tunnelstate.TunnelEvent{}, false
	}
	uapi, err := w.get()
	if err != nil {
		logger.Debug("tunnel: reading device state: %v", err)
		return tunnelstate.TunnelEvent{}, false
	}
	stats, err := parsePeerStats(uapi)
	if err != nil {
		logger.Debug("tunnel: parsing device state: %v", err)
		return tunnelstate.TunnelEvent{}, false
	}

	now := w.now()
	if !stats.LastHandshake.Equal(w.lastHandshake) {
		w.lastHandshake = stats.LastHandshake
		w.txAtHandshake = stats.TxBytes
	}
	if !w.up {
		if !stats.LastHandshake.IsZero() {
			w.up = true
			return tunnelstate.TunnelEvent{Kind: tunnelstate.EventUp}, true
		}
		if w.timeout > 0 && now.Sub(w.started) > w.timeout {
			w.down = true
			return tunnelstate.TunnelEvent{
				Kind:   tunnelstate.EventDown,
				Reason: fmt.Sprintf("no handshake within %s", w.timeout),
			}, true
		}
		return tunnelstate.TunnelEvent{}, false
	}

	if w.stale > 0 && now.Sub(stats.LastHandshake) > w.stale && stats.TxBytes > w.txAtHandshake {
		w.down = true
		return tunnelstate.TunnelEvent{
			Kind:   tunnelstate.EventDown,
			Reason: fmt.Sprintf("last handshake %s ago", now.Sub(stats.LastHandshake).Round(time.Second)),
		}, true
	}
	return tunnelstate.TunnelEvent{}, false
}
