// Package tunnel runs a userspace WireGuard device to one relay and reports
// its progress as tunnel events.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/fosrl/tunnelctl/logger"
	"github.com/fosrl/tunnelctl/tunnelstate"
)

const (
	DefaultInterfaceName       = "tunnelctl0"
	DefaultMTU                 = 1280
	DefaultHandshakeTimeout    = 20 * time.Second
	DefaultStaleAfter          = 3 * time.Minute
	DefaultPersistentKeepalive = 25 * time.Second
	defaultPollInterval        = time.Second
)

type Config struct {
	InterfaceName string
	MTU           int
	// TunFD is an already opened TUN file descriptor. Zero creates a new
	// device.
	TunFD               uint32
	EnableUAPI          bool
	HandshakeTimeout    time.Duration
	StaleAfter          time.Duration
	PersistentKeepalive time.Duration
	PollInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.InterfaceName == "" {
		c.InterfaceName = DefaultInterfaceName
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.PersistentKeepalive == 0 {
		c.PersistentKeepalive = DefaultPersistentKeepalive
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Provider starts WireGuard tunnels.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults()}
}

// Start creates the TUN device and configures the relay peer. The
// handshake happens in the background.
func (p *Provider) Start(ctx context.Context, params tunnelstate.TunnelParameters) (tunnelstate.Tunnel, error) {
	if params.Endpoint.Protocol != "" && params.Endpoint.Protocol != "udp" {
		return nil, fmt.Errorf("tunnel: unsupported transport %q", params.Endpoint.Protocol)
	}

	mtu := p.cfg.MTU
	if params.MTU > 0 {
		mtu = params.MTU
	}
	params = p.peerParams(params)

	tdev, err := p.createTUN(mtu)
	if err != nil {
		return nil, fmt.Errorf("%w: create TUN device: %v", tunnelstate.ErrTunnelFatal, err)
	}
	name := p.cfg.InterfaceName
	if actual, err := tdev.Name(); err == nil {
		name = actual
	}

	tap := newTapDevice(tdev)
	wgLogger := logger.GetLogger().GetWireGuardLogger("wireguard: ")
	dev := device.NewDevice(tap, conn.NewDefaultBind(), wgLogger)

	logger.Debug("tunnel: configuring peer %s at %s", params.PeerPublicKey, params.Endpoint)
	if err := dev.IpcSet(deviceConfig(params)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tunnel: configure device: %w", err)
	}

	var uapi net.Listener
	if p.cfg.EnableUAPI {
		uapi, err = listenUAPI(name)
		if err != nil {
			logger.Warn("tunnel: failed to listen on uapi socket: %v", err)
		} else {
			go func() {
				for {
					c, err := uapi.Accept()
					if err != nil {
						return
					}
					go dev.IpcHandle(c)
				}
			}()
			logger.Info("tunnel: UAPI listener started")
		}
	}

	if err := dev.Up(); err != nil {
		if uapi != nil {
			uapi.Close()
		}
		dev.Close()
		return nil, fmt.Errorf("tunnel: bring up device: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &wgTunnel{
		name:   name,
		mtu:    mtu,
		params: params,
		cfg:    p.cfg,
		tap:    tap,
		dev:    dev,
		uapi:   uapi,
		events: make(chan tunnelstate.TunnelEvent, 8),
		ctx:    tctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run()
	logger.Info("tunnel: started %s to %s (%s)", name, params.Endpoint, params.RelayName)
	return t, nil
}

// peerParams fills in the keepalive stale detection relies on.
func (p *Provider) peerParams(params tunnelstate.TunnelParameters) tunnelstate.TunnelParameters {
	if params.PersistentKeepalive == 0 && p.cfg.StaleAfter > 0 {
		params.PersistentKeepalive = p.cfg.PersistentKeepalive
	}
	return params
}

func (p *Provider) createTUN(mtu int) (tun.Device, error) {
	if p.cfg.TunFD != 0 {
		return openTUNFile(p.cfg.TunFD, mtu)
	}
	return tun.CreateTUN(p.cfg.InterfaceName, mtu)
}

type wgTunnel struct {
	name   string
	mtu    int
	params tunnelstate.TunnelParameters
	cfg    Config
	tap    *tapDevice
	dev    *device.Device
	uapi   net.Listener

	events chan tunnelstate.TunnelEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (t *wgTunnel) Events() <-chan tunnelstate.TunnelEvent { return t.events }

func (t *wgTunnel) Close() { t.cancel() }

func (t *wgTunnel) Done() <-chan struct{} { return t.done }

func (t *wgTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wgTunnel) run() {
	err := t.loop()
	if t.uapi != nil {
		t.uapi.Close()
	}
	t.dev.Close()
	if err != nil {
		logger.Warn("tunnel: %s exited: %v", t.name, err)
	} else {
		logger.Info("tunnel: %s closed", t.name)
	}
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func (t *wgTunnel) loop() error {
	if err := configureInterface(t.name, t.params.Addresses, t.mtu); err != nil {
		return fmt.Errorf("configure interface %s: %w", t.name, err)
	}
	md := metadataFor(t.name, t.params)
	t.emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventInterfaceUp, Metadata: md})

	watcher := newHandshakeWatcher(t.dev.IpcGet, t.cfg.HandshakeTimeout, t.cfg.StaleAfter)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-t.dev.Wait():
			return errors.New("device closed unexpectedly")
		case ev := <-t.tap.Observed():
			if ev&tun.EventDown != 0 {
				t.emit(tunnelstate.TunnelEvent{Kind: tunnelstate.EventDown, Reason: "interface went down"})
			}
		case <-ticker.C:
			ev, ok := watcher.check()
			if !ok {
				continue
			}
			if ev.Kind == tunnelstate.EventUp {
				ev.Metadata = md
				logger.Info("tunnel: handshake completed with %s", t.params.Endpoint)
			} else {
				logger.Warn("tunnel: %s is down: %s", t.name, ev.Reason)
			}
			t.emit(ev)
		}
	}
}

func (t *wgTunnel) emit(ev tunnelstate.TunnelEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
