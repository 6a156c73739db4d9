package audit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// blockedPrefixes are special-use ranges webhooks may never reach.
var blockedPrefixes = func() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"224.0.0.0/4", "240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10", "ff00::/8", "2001:db8::/32",
		"2001::/32", "2002::/16", "64:ff9b::/96", // transition prefixes embed IPv4
	} {
		out = append(out, netip.MustParsePrefix(p))
	}
	return out
}()

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// validateWebhookURL rejects non-HTTP schemes, numeric host tricks and
// literal addresses in blocked ranges. Resolved addresses are checked
// again at dial time.
func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	if obfuscatedIP(host) {
		return errors.New("webhook URL contains alternative IP encoding")
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("webhook host %s is in a blocked range", host)
	}
	return nil
}

// obfuscatedIP matches hex (0x7f000001), dotted hex or octal
// (0177.0.0.1) and packed decimal (2130706433) hosts.
func obfuscatedIP(host string) bool {
	if isHexLiteral(host) || allDigits(host) {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if isHexLiteral(p) || (len(p) > 1 && p[0] == '0' && allDigits(p)) {
			return true
		}
	}
	return false
}

func isHexLiteral(s string) bool {
	return len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X")
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// safeDial resolves the host, refuses any blocked address and connects to
// the address it checked so a second lookup cannot rebind it.
func safeDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, a := range addrs {
		if isBlockedAddr(a) {
			return nil, fmt.Errorf("blocked: %s resolves to %s", host, a)
		}
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
}
