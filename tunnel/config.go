package tunnel

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

var defaultAllowedIPs = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"),
	netip.MustParsePrefix("::/0"),
}

// deviceConfig renders the UAPI set operation for one relay peer. Keys
// are hex encoded as the protocol requires.
func deviceConfig(p tunnelstate.TunnelParameters) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hexKey(p.PrivateKey))
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", hexKey(p.PeerPublicKey))
	fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint.Address)
	if p.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(p.PersistentKeepalive/time.Second))
	}
	b.WriteString("replace_allowed_ips=true\n")
	allowed := p.AllowedIPs
	if len(allowed) == 0 {
		allowed = defaultAllowedIPs
	}
	for _, prefix := range allowed {
		fmt.Fprintf(&b, "allowed_ip=%s\n", prefix.Masked())
	}
	return b.String()
}

func hexKey(k wgtypes.Key) string {
	return hex.EncodeToString(k[:])
}

// peerStats is the part of a UAPI get response the handshake watcher
// cares about.
type peerStats struct {
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

func parsePeerStats(uapi string) (peerStats, error) {
	var (
		stats     peerStats
		sec, nsec int64
	)
	scanner := bufio.NewScanner(strings.NewReader(uapi))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "last_handshake_time_sec":
			sec, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, err = strconv.ParseInt(value, 10, 64)
		case "rx_bytes":
			stats.RxBytes, err = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			stats.TxBytes, err = strconv.ParseUint(value, 10, 64)
		}
		if err != nil {
			return peerStats{}, fmt.Errorf("parse %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return peerStats{}, err
	}
	if sec != 0 || nsec != 0 {
		stats.LastHandshake = time.Unix(sec, nsec)
	}
	return stats, nil
}

func metadataFor(name string, p tunnelstate.TunnelParameters) tunnelstate.TunnelMetadata {
	md := tunnelstate.TunnelMetadata{
		Interface: name,
		Addresses: append([]netip.Prefix(nil), p.Addresses...),
	}
	if p.Gateway.Is4() {
		md.IPv4Gateway = p.Gateway
	} else if p.Gateway.Is6() {
		md.IPv6Gateway = p.Gateway
	}
	return md
}
