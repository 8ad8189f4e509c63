package policy

import (
	"net"
	"net/url"
	"strings"
)

// CORSDecision is the result of DecideOrigin.
type CORSDecision struct {
	Allowed bool
	Reason  string
}

var localhostPorts = map[string]bool{
	"3000": true,
	"5173": true,
	"8080": true,
}

// DecideOrigin is a pure, HTTP-layer-independent decision function for the
// gateway's CORS policy: allow the configured frontend URL, localhost on
// the well-known dev ports, private-LAN hosts, and Railway deployment
// suffixes; reject everything else with a reason suitable for logging.
func DecideOrigin(origin, frontendURL string) CORSDecision {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return CORSDecision{Allowed: true, Reason: "no origin header"}
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return CORSDecision{Allowed: false, Reason: "unparsable origin"}
	}
	host := u.Hostname()

	if frontendURL != "" {
		if fu, err := url.Parse(frontendURL); err == nil && strings.EqualFold(fu.Host, u.Host) {
			return CORSDecision{Allowed: true, Reason: "matches configured frontend"}
		}
	}

	if isLocalhost(host) && localhostPorts[u.Port()] {
		return CORSDecision{Allowed: true, Reason: "localhost dev port"}
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateLAN(ip) {
		return CORSDecision{Allowed: true, Reason: "private LAN range"}
	}

	if strings.HasSuffix(host, ".railway.app") || strings.HasSuffix(host, ".up.railway.app") {
		return CORSDecision{Allowed: true, Reason: "railway deployment suffix"}
	}

	return CORSDecision{Allowed: false, Reason: "origin not in allowlist"}
}

func isLocalhost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func isPrivateLAN(ip net.IP) bool {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
