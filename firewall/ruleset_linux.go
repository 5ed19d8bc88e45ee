package firewall

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

const (
	chainOutput = "output"
	chainInput  = "input"
)

// Conntrack state bits as loaded by the ct expression.
const (
	ctStateEstablished uint32 = 1 << 1
	ctStateRelated     uint32 = 1 << 2
)

// Neighbour discovery ICMPv6 types.
var (
	ndRouterSolicit   = icmpType{"nd-router-solicit", 133}
	ndRouterAdvert    = icmpType{"nd-router-advert", 134}
	ndNeighborSolicit = icmpType{"nd-neighbor-solicit", 135}
	ndNeighborAdvert  = icmpType{"nd-neighbor-advert", 136}
)

type icmpType struct {
	name string
	code byte
}

type rule struct {
	chain string
	text  string
	exprs []expr.Any
}

// policyRules returns the accept rules for policy. Anything they do not
// match hits the drop policy of its chain.
func policyRules(policy tunnelstate.FirewallPolicy) []rule {
	rules := []rule{
		output().iface("lo", false).accept(),
		input().iface("lo", false).accept(),
		input().established().accept(),
		// DHCP and IPv6 neighbour discovery keep the physical link usable.
		output().port("udp", "sport", 68).port("udp", "dport", 67).accept(),
		input().port("udp", "sport", 67).port("udp", "dport", 68).accept(),
	}
	for _, t := range []icmpType{ndRouterSolicit, ndNeighborSolicit, ndNeighborAdvert} {
		rules = append(rules, output().icmpv6(t).accept())
	}
	for _, t := range []icmpType{ndRouterAdvert, ndNeighborSolicit, ndNeighborAdvert} {
		rules = append(rules, input().icmpv6(t).accept())
	}

	var iface string
	if policy.Tunnel != nil {
		iface = policy.Tunnel.Interface
	}

	if policy.AllowLAN {
		// Local traffic is only exempt while it stays off the tunnel.
		for _, prefix := range tunnelstate.LANNetworks {
			rules = append(rules,
				output().offTunnel(iface).addr("daddr", prefix).accept(),
				input().offTunnel(iface).addr("saddr", prefix).accept(),
			)
		}
		rules = append(rules,
			output().offTunnel(iface).addr("daddr", netip.MustParsePrefix("224.0.0.0/4")).accept(),
			output().offTunnel(iface).addr("daddr", netip.MustParsePrefix("ff00::/8")).accept(),
		)
	}

	switch policy.Kind {
	case tunnelstate.PolicyConnecting:
		rules = append(rules, peerRules(policy.PeerEndpoint)...)
		for _, host := range policy.PingableHosts {
			m := output()
			if iface != "" {
				m.iface(iface, false)
			}
			rules = append(rules, m.addr("daddr", hostPrefix(host)).accept())
		}
	case tunnelstate.PolicyConnected:
		rules = append(rules, peerRules(policy.PeerEndpoint)...)
		if iface != "" {
			rules = append(rules,
				output().iface(iface, false).accept(),
				input().iface(iface, false).accept(),
			)
		}
	}
	return rules
}

func peerRules(peer tunnelstate.TunnelEndpoint) []rule {
	if !peer.Address.IsValid() {
		return nil
	}
	proto := peer.Protocol
	if proto == "" {
		proto = "udp"
	}
	addr := hostPrefix(peer.Address.Addr())
	port := peer.Address.Port()
	return []rule{
		output().addr("daddr", addr).port(proto, "dport", port).accept(),
		input().addr("saddr", addr).port(proto, "sport", port).accept(),
	}
}

func hostPrefix(addr netip.Addr) netip.Prefix {
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen())
}

// match collects the expressions of one rule together with the equivalent
// nft syntax, which is only used for logging.
type match struct {
	chain   string
	text    []string
	exprs   []expr.Any
	nfproto byte
	l4proto byte
}

func output() *match { return &match{chain: chainOutput} }
func input() *match  { return &match{chain: chainInput} }

func (m *match) accept() rule {
	return rule{
		chain: m.chain,
		text:  strings.Join(append(m.text, "accept"), " "),
		exprs: append(m.exprs, &expr.Verdict{Kind: expr.VerdictAccept}),
	}
}

// iface matches the outgoing interface on output and the incoming one on
// input.
func (m *match) iface(name string, negate bool) *match {
	key, text := expr.MetaKeyOIFNAME, "oifname"
	if m.chain == chainInput {
		key, text = expr.MetaKeyIIFNAME, "iifname"
	}
	op := expr.CmpOpEq
	if negate {
		op = expr.CmpOpNeq
		text += " !="
	}
	m.text = append(m.text, fmt.Sprintf("%s %q", text, name))
	m.exprs = append(m.exprs,
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: op, Register: 1, Data: ifname(name)},
	)
	return m
}

func (m *match) offTunnel(iface string) *match {
	if iface == "" {
		return m
	}
	return m.iface(iface, true)
}

func (m *match) established() *match {
	m.text = append(m.text, "ct state established,related")
	m.exprs = append(m.exprs,
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(ctStateEstablished | ctStateRelated),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	)
	return m
}

// addr matches the source ("saddr") or destination ("daddr") address
// against prefix.
func (m *match) addr(field string, prefix netip.Prefix) *match {
	prefix = prefix.Masked()
	addr := prefix.Addr()

	family, proto, offset := "ip", byte(unix.NFPROTO_IPV4), uint32(12)
	if addr.Is6() {
		family, proto, offset = "ip6", byte(unix.NFPROTO_IPV6), 8
	}
	if field == "daddr" {
		offset += uint32(addr.BitLen() / 8)
	}
	size := uint32(addr.BitLen() / 8)

	m.network(proto)
	m.exprs = append(m.exprs, &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseNetworkHeader,
		Offset:       offset,
		Len:          size,
	})
	text := prefix.String()
	if prefix.IsSingleIP() {
		text = addr.String()
	} else {
		m.exprs = append(m.exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            size,
			Mask:           net.CIDRMask(prefix.Bits(), addr.BitLen()),
			Xor:            make([]byte, size),
		})
	}
	m.exprs = append(m.exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr.AsSlice()})
	m.text = append(m.text, fmt.Sprintf("%s %s %s", family, field, text))
	return m
}

// port matches the transport "sport" or "dport" of proto, which is tcp or
// udp.
func (m *match) port(proto, field string, port uint16) *match {
	l4 := byte(unix.IPPROTO_UDP)
	if proto == "tcp" {
		l4 = unix.IPPROTO_TCP
	}
	var offset uint32
	if field == "dport" {
		offset = 2
	}
	m.transport(l4)
	m.exprs = append(m.exprs,
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	)
	m.text = append(m.text, fmt.Sprintf("%s %s %d", proto, field, port))
	return m
}

func (m *match) icmpv6(t icmpType) *match {
	m.network(unix.NFPROTO_IPV6)
	m.transport(unix.IPPROTO_ICMPV6)
	m.exprs = append(m.exprs,
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 0, Len: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{t.code}},
	)
	m.text = append(m.text, "icmpv6 type "+t.name)
	return m
}

func (m *match) network(proto byte) {
	if m.nfproto == proto {
		return
	}
	m.nfproto = proto
	m.exprs = append(m.exprs,
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	)
}

func (m *match) transport(proto byte) {
	if m.l4proto == proto {
		return
	}
	m.l4proto = proto
	m.exprs = append(m.exprs,
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	)
}

// ifname pads name to the fixed width the kernel compares interface names
// at.
func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}
