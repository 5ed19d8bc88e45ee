//go:build !linux

package dns

import (
	"fmt"
	"runtime"
)

func newPlatformConfigurator(string) (Configurator, error) {
	return nil, fmt.Errorf("dns: no configurator for %s", runtime.GOOS)
}
