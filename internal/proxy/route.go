package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const Prefix = "/proxy"

var (
	ErrBadRoute        = errors.New("bad proxy route")
	ErrRouteNotAllowed = errors.New("proxy route not allowed")
	ErrUpstream        = errors.New("proxy upstream error")
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

// Route is the backend named by a request path of the form
// "/proxy/" HOST ":" PORT "/" REST.
type Route struct {
	Host string
	Port int
	// Rest is the escaped downstream path, always starting with "/".
	Rest string
}

func (r Route) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) Target() *url.URL {
	return &url.URL{Scheme: "http", Host: r.HostPort()}
}

// ParseRoute extracts the routing key from an escaped request path and strips
// the "/proxy/<host:port>" prefix exactly once.
func ParseRoute(escapedPath string) (Route, error) {
	rest := strings.TrimLeft(escapedPath, "/")
	first, rest, _ := strings.Cut(rest, "/")
	if first != strings.TrimPrefix(Prefix, "/") {
		return Route{}, fmt.Errorf("%w: missing %s prefix", ErrBadRoute, Prefix)
	}
	rest = strings.TrimLeft(rest, "/")
	key, rest, _ := strings.Cut(rest, "/")
	if key == "" {
		return Route{}, fmt.Errorf("%w: no routing key", ErrBadRoute)
	}
	host, port, err := parseKey(key)
	if err != nil {
		return Route{}, err
	}
	return Route{Host: host, Port: port, Rest: "/" + rest}, nil
}

func parseKey(key string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(key)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q is not host:port", ErrBadRoute, key)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrBadRoute, rawPort)
	}
	if net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
		return "", 0, fmt.Errorf("%w: invalid host %q", ErrBadRoute, host)
	}
	return host, port, nil
}
