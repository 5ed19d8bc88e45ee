//go:build linux

package route

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/fosrl/tunnelctl/logger"
)

// WatchDefaultRoute calls onChange with the initial offline state and again
// whenever the host gains or loses its last default route. It blocks until
// ctx is done.
func WatchDefaultRoute(ctx context.Context, onChange func(offline bool)) error {
	updates := make(chan netlink.RouteUpdate, 16)
	done := make(chan struct{})
	defer close(done)

	err := netlink.RouteSubscribeWithOptions(updates, done, netlink.RouteSubscribeOptions{
		ErrorCallback: func(err error) {
			logger.Warn("route: default route subscription: %v", err)
		},
	})
	if err != nil {
		return fmt.Errorf("route: subscribe: %w", err)
	}

	h := systemHandle{}
	offline := !hasDefaultRoute(h)
	onChange(offline)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return fmt.Errorf("route: subscription closed")
			}
			if !isDefaultRoute(u.Route) || u.Route.Protocol == routeProtocol {
				continue
			}
			now := !hasDefaultRoute(h)
			if now == offline {
				continue
			}
			offline = now
			logger.Info("route: host is offline=%t", offline)
			onChange(offline)
		}
	}
}

func hasDefaultRoute(h handle) bool {
	routes, err := h.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		logger.Warn("route: listing routes: %v", err)
		return true
	}
	for _, r := range routes {
		if isDefaultRoute(r) && r.Protocol != routeProtocol {
			return true
		}
	}
	return false
}
