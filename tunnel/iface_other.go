//go:build !linux

package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"runtime"

	"golang.zx2c4.com/wireguard/tun"
)

var errUnsupported = fmt.Errorf("tunnel: not supported on %s", runtime.GOOS)

func configureInterface(string, []netip.Prefix, int) error { return errUnsupported }

func openTUNFile(uint32, int) (tun.Device, error) { return nil, errUnsupported }

func listenUAPI(string) (net.Listener, error) { return nil, errUnsupported }
