package helper

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// validOptionalPort reports whether port is either an empty string
// or matches /^:\d*$/
func validOptionalPort(port string) bool {
	if port == "" {
		return true
	}
	if port[0] != ':' {
		return false
	}
	for _, b := range port[1:] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

// SplitHostPort separates host and port. If the port is not valid, it returns
// the entire input as host, and it doesn't check the validity of the host.
// Unlike net.SplitHostPort, but per RFC 3986, it requires ports to be numeric.
func SplitHostPort(hostPort string) (host, port string) {
	host = hostPort
	colon := strings.LastIndexByte(host, ':')
	if colon != -1 && validOptionalPort(host[colon:]) {
		host, port = host[:colon], host[colon+1:]
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return
}

// JoinHostPort combines host and port into "host:port", bracketing
// literal IPv6 hosts. An empty port yields the (bracketed) host alone.
func JoinHostPort(host, port string) string {
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

// Port returns the numeric port of hostPort, or 0 when it has none.
func Port(hostPort string) int {
	_, port := SplitHostPort(hostPort)
	if port == "" {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0
	}
	return n
}

// DefaultPort returns the well known port for scheme.
func DefaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}

// AddrWithDefaultPort returns hostPort with the scheme's default port
// filled in when it has none, suitable for net.Dial.
func AddrWithDefaultPort(hostPort, scheme string) string {
	host, port := SplitHostPort(hostPort)
	if port == "" {
		port = DefaultPort(scheme)
	}
	return net.JoinHostPort(host, port)
}

// CanonicalAddr returns u's host:port, using the scheme default port.
func CanonicalAddr(u *url.URL) string {
	return AddrWithDefaultPort(u.Host, u.Scheme)
}

// Hostname strips any port from hostPort.
func Hostname(hostPort string) string {
	host, _ := SplitHostPort(hostPort)
	return host
}
