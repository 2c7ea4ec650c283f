package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// privateNetworks are the address ranges refused for target URLs. Covers
// loopback, RFC1918, link-local, and their IPv6 counterparts.
var privateNetworks = func() []netip.Prefix {
	specs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
	out := make([]netip.Prefix, 0, len(specs))
	for _, s := range specs {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}()

// URLValidationResult reports an admission decision with its reason.
type URLValidationResult struct {
	Allowed bool
	Reason  string
}

func matchPrivate(addr netip.Addr) (netip.Prefix, bool) {
	addr = addr.Unmap()
	for _, n := range privateNetworks {
		if n.Contains(addr) {
			return n, true
		}
	}
	return netip.Prefix{}, false
}

// ValidateTargetURL checks a URL against the admission policy before a run
// may use it: scheme allowlist, local hostname block, private address block
// for both literals and every DNS-resolved address.
func ValidateTargetURL(rawURL string, policy URLPolicyConfig) URLValidationResult {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("unparseable URL: %v", err)}
	}

	schemeOK := false
	for _, s := range policy.AllowedSchemes {
		if parsed.Scheme == s {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("scheme %q not allowed", parsed.Scheme)}
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return URLValidationResult{Allowed: false, Reason: "no hostname in URL"}
	}

	if policy.BlockLocalHostnames == nil || *policy.BlockLocalHostnames {
		lower := strings.ToLower(hostname)
		if lower == "localhost" || strings.HasSuffix(lower, ".local") {
			return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("hostname %q is blocked", hostname)}
		}
	}

	if policy.BlockPrivateIPs == nil || *policy.BlockPrivateIPs {
		// Literal IPs never hit DNS.
		if addr, err := netip.ParseAddr(hostname); err == nil {
			if network, private := matchPrivate(addr); private {
				return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("IP %s is in private range %s", addr, network)}
			}
			return URLValidationResult{Allowed: true, Reason: "OK"}
		}

		addrs, err := net.LookupHost(hostname)
		if err != nil {
			return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("cannot resolve hostname %q", hostname)}
		}
		for _, a := range addrs {
			addr, err := netip.ParseAddr(a)
			if err != nil {
				continue
			}
			if network, private := matchPrivate(addr); private {
				return URLValidationResult{Allowed: false, Reason: fmt.Sprintf("IP %s is in private range %s", addr, network)}
			}
		}
	}

	return URLValidationResult{Allowed: true, Reason: "OK"}
}
