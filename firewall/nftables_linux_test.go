package firewall

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

var (
	peer = tunnelstate.TunnelEndpoint{
		Address:  netip.MustParseAddrPort("203.0.113.10:51820"),
		Protocol: "udp",
	}
	tunnelMeta = tunnelstate.TunnelMetadata{
		Interface:   "wg-test",
		Addresses:   []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
	}
	gateway = netip.MustParseAddr("10.64.0.1")
)

// batch is what one Flush submitted.
type batch struct {
	ops    []string
	chains []*nftables.Chain
	rules  []*nftables.Rule
}

type fakeConn struct {
	pending batch
	flushed []batch
	err     error
}

func (c *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	c.pending.ops = append(c.pending.ops, "add table "+t.Name)
	return t
}

func (c *fakeConn) DelTable(t *nftables.Table) {
	c.pending.ops = append(c.pending.ops, "delete table "+t.Name)
}

func (c *fakeConn) AddChain(ch *nftables.Chain) *nftables.Chain {
	c.pending.ops = append(c.pending.ops, "add chain "+ch.Name)
	c.pending.chains = append(c.pending.chains, ch)
	return ch
}

func (c *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	c.pending.ops = append(c.pending.ops, "add rule "+r.Chain.Name)
	c.pending.rules = append(c.pending.rules, r)
	return r
}

func (c *fakeConn) Flush() error {
	c.flushed = append(c.flushed, c.pending)
	c.pending = batch{}
	return c.err
}

func ruleLines(rules []rule) []string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		lines = append(lines, r.chain+" "+r.text)
	}
	return lines
}

func TestPolicyRules(t *testing.T) {
	tests := []struct {
		name   string
		policy tunnelstate.FirewallPolicy
		want   []string
		absent []string
	}{
		{
			name:   "blocked",
			policy: tunnelstate.BlockedPolicy(false),
			want: []string{
				`output oifname "lo" accept`,
				`input iifname "lo" accept`,
				"input ct state established,related accept",
				"output udp sport 68 udp dport 67 accept",
				"input icmpv6 type nd-router-advert accept",
			},
			absent: []string{"10.0.0.0/8", "203.0.113.10"},
		},
		{
			name:   "blocked allow lan",
			policy: tunnelstate.BlockedPolicy(true),
			want: []string{
				"output ip daddr 10.0.0.0/8 accept",
				"input ip saddr 192.168.0.0/16 accept",
				"output ip6 daddr fe80::/10 accept",
				"output ip daddr 224.0.0.0/4 accept",
			},
			absent: []string{"203.0.113.10", "!="},
		},
		{
			name:   "connecting without interface",
			policy: tunnelstate.ConnectingPolicy(peer, nil, false, []netip.Addr{gateway}),
			want: []string{
				"output ip daddr 203.0.113.10 udp dport 51820 accept",
				"input ip saddr 203.0.113.10 udp sport 51820 accept",
				"output ip daddr 10.64.0.1 accept",
			},
			absent: []string{"wg-test"},
		},
		{
			name:   "connecting with interface",
			policy: tunnelstate.ConnectingPolicy(peer, &tunnelMeta, false, []netip.Addr{gateway}),
			want: []string{
				`output oifname "wg-test" ip daddr 10.64.0.1 accept`,
			},
			absent: []string{`iifname "wg-test" accept`},
		},
		{
			name:   "connected",
			policy: tunnelstate.ConnectedPolicy(peer, tunnelMeta, false),
			want: []string{
				"output ip daddr 203.0.113.10 udp dport 51820 accept",
				`output oifname "wg-test" accept`,
				`input iifname "wg-test" accept`,
			},
			absent: []string{"10.0.0.0/8"},
		},
		{
			name:   "connected allow lan stays off the tunnel",
			policy: tunnelstate.ConnectedPolicy(peer, tunnelMeta, true),
			want: []string{
				`output oifname != "wg-test" ip daddr 10.0.0.0/8 accept`,
				`input iifname != "wg-test" ip saddr 10.0.0.0/8 accept`,
				`output oifname != "wg-test" ip6 daddr ff00::/8 accept`,
				`output oifname "wg-test" accept`,
			},
			absent: []string{"output ip daddr 10.0.0.0/8 accept"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := ruleLines(policyRules(tt.policy))
			for _, w := range tt.want {
				assert.Contains(t, lines, w)
			}
			joined := strings.Join(lines, "\n")
			for _, a := range tt.absent {
				for _, line := range lines {
					if strings.Contains(line, a) {
						t.Errorf("unexpected %q in:\n%s", a, joined)
						break
					}
				}
			}
		})
	}
}

func TestPolicyRulesScopeEveryLANRule(t *testing.T) {
	for _, r := range policyRules(tunnelstate.ConnectingPolicy(peer, &tunnelMeta, true, nil)) {
		if strings.Contains(r.text, "addr 10.") || strings.Contains(r.text, "addr 192.168.") ||
			strings.Contains(r.text, "addr 172.16.") || strings.Contains(r.text, "addr fe80::") {
			assert.Contains(t, r.text, `ifname != "wg-test"`)
		}
	}
}

func TestMatchExpressions(t *testing.T) {
	t.Run("interface", func(t *testing.T) {
		r := output().offTunnel("wg0").accept()
		require.Len(t, r.exprs, 3)
		assert.Equal(t, &expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1}, r.exprs[0])
		cmp := r.exprs[1].(*expr.Cmp)
		assert.Equal(t, expr.CmpOpNeq, cmp.Op)
		assert.Equal(t, append([]byte("wg0"), make([]byte, unix.IFNAMSIZ-3)...), cmp.Data)
		assert.Equal(t, &expr.Verdict{Kind: expr.VerdictAccept}, r.exprs[2])
	})

	t.Run("no interface", func(t *testing.T) {
		r := output().offTunnel("").accept()
		assert.Len(t, r.exprs, 1)
	})

	t.Run("ipv4 prefix", func(t *testing.T) {
		r := output().addr("daddr", netip.MustParsePrefix("10.1.2.3/8")).accept()
		assert.Equal(t, "ip daddr 10.0.0.0/8 accept", r.text)
		assert.Equal(t, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Bitwise{SourceRegister: 1, DestRegister: 1, Len: 4, Mask: []byte{0xff, 0, 0, 0}, Xor: []byte{0, 0, 0, 0}},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{10, 0, 0, 0}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}, r.exprs)
	})

	t.Run("ipv6 peer", func(t *testing.T) {
		rules := peerRules(tunnelstate.TunnelEndpoint{
			Address:  netip.MustParseAddrPort("[2001:db8::10]:443"),
			Protocol: "tcp",
		})
		require.Len(t, rules, 2)
		assert.Equal(t, "ip6 daddr 2001:db8::10 tcp dport 443 accept", rules[0].text)
		assert.Equal(t, "ip6 saddr 2001:db8::10 tcp sport 443 accept", rules[1].text)

		addr := netip.MustParseAddr("2001:db8::10").AsSlice()
		assert.Equal(t, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV6}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 24, Len: 16},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr},
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{0x01, 0xbb}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}, rules[0].exprs)
	})

	t.Run("mapped ipv4 peer", func(t *testing.T) {
		rules := peerRules(tunnelstate.TunnelEndpoint{
			Address: netip.MustParseAddrPort("[::ffff:203.0.113.10]:51820"),
		})
		require.Len(t, rules, 2)
		assert.Equal(t, "ip daddr 203.0.113.10 udp dport 51820 accept", rules[0].text)
	})

	t.Run("dhcp ports share one protocol match", func(t *testing.T) {
		r := output().port("udp", "sport", 68).port("udp", "dport", 67).accept()
		var l4 int
		for _, e := range r.exprs {
			if m, ok := e.(*expr.Meta); ok && m.Key == expr.MetaKeyL4PROTO {
				l4++
			}
		}
		assert.Equal(t, 1, l4)
	})
}

func TestFirewallApplyAndReset(t *testing.T) {
	c := &fakeConn{}
	f := newFirewall("", c)

	blocked := tunnelstate.BlockedPolicy(false)
	require.NoError(t, f.ApplyPolicy(blocked))
	require.NoError(t, f.ApplyPolicy(blocked))
	require.Len(t, c.flushed, 1, "identical policy flushed twice")

	b := c.flushed[0]
	assert.Equal(t, []string{
		"add table " + DefaultTable,
		"delete table " + DefaultTable,
		"add table " + DefaultTable,
		"add chain output",
		"add chain input",
	}, b.ops[:5])
	require.Len(t, b.chains, 2)
	for i, hook := range []*nftables.ChainHook{nftables.ChainHookOutput, nftables.ChainHookInput} {
		ch := b.chains[i]
		assert.Equal(t, nftables.TableFamilyINet, ch.Table.Family)
		assert.Equal(t, hook, ch.Hooknum)
		assert.Equal(t, nftables.ChainTypeFilter, ch.Type)
		require.NotNil(t, ch.Policy)
		assert.Equal(t, nftables.ChainPolicyDrop, *ch.Policy)
	}

	want := policyRules(blocked)
	require.Len(t, b.rules, len(want))
	for i, r := range b.rules {
		assert.Equal(t, want[i].chain, r.Chain.Name)
		assert.Equal(t, want[i].exprs, r.Exprs)
		assert.Equal(t, DefaultTable, r.Table.Name)
	}

	require.NoError(t, f.ResetPolicy())
	require.Len(t, c.flushed, 2)
	assert.Equal(t, []string{"add table " + DefaultTable, "delete table " + DefaultTable}, c.flushed[1].ops)

	// After a reset the same policy has to be installed again.
	require.NoError(t, f.ApplyPolicy(blocked))
	assert.Len(t, c.flushed, 3)

	c.err = errors.New("netlink receive: operation not permitted")
	connected := tunnelstate.ConnectedPolicy(peer, tunnelMeta, true)
	assert.ErrorIs(t, f.ApplyPolicy(connected), c.err)
	c.err = nil
	require.NoError(t, f.ApplyPolicy(connected))
	assert.Len(t, c.flushed, 5, "failed policy was not retried")
}

func TestFirewallNamedTable(t *testing.T) {
	c := &fakeConn{}
	f := newFirewall("custom", c)
	require.NoError(t, f.ApplyPolicy(tunnelstate.BlockedPolicy(true)))
	require.Len(t, c.flushed, 1)
	assert.Equal(t, "add table custom", c.flushed[0].ops[0])
}
