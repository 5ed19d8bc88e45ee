//go:build !linux

package firewall

import "github.com/fosrl/tunnelctl/tunnelstate"

type Firewall struct{}

func New(string) (*Firewall, error) {
	return nil, ErrUnsupportedPlatform
}

func (*Firewall) ApplyPolicy(tunnelstate.FirewallPolicy) error { return ErrUnsupportedPlatform }
func (*Firewall) ResetPolicy() error                           { return nil }
