//go:build linux

package tunnel

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wireguard/tun"
)

// openTUNFile wraps a TUN descriptor handed to us by a supervisor. The
// descriptor is duplicated so closing the device leaves the original open
// for the next attempt.
func openTUNFile(fd uint32, mtu int) (tun.Device, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("duplicate tun fd %d: %w", fd, err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return nil, fmt.Errorf("set tun fd %d non-blocking: %w", fd, err)
	}

	file := os.NewFile(uintptr(dup), "/dev/net/tun")
	dev, err := tun.CreateTUNFromFile(file, mtu)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

func listenUAPI(name string) (net.Listener, error) {
	file, err := ipc.UAPIOpen(name)
	if err != nil {
		return nil, err
	}
	return ipc.UAPIListen(name, file)
}
