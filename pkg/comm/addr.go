package comm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taskmesh/worker/pkg/utils"
)

// A parsed endpoint address of the form <scheme>://<host>:<port>.
type Addr struct {
	Scheme string
	Host   string
	Port   int
}

// ParseAddr parses an endpoint address. The scheme defaults to "tcp".
// Bare "host:port", "host:" and "host" forms are accepted. A bare
// numeric value is interpreted as a port on 0.0.0.0.
func ParseAddr(s string) (*Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty address", utils.ErrParse)
	}

	scheme := "tcp"
	rest := s

	if idx := strings.Index(s, "://"); idx >= 0 {
		scheme = s[:idx]
		rest = s[idx+3:]
		if scheme == "" {
			return nil, fmt.Errorf("%w: %q", utils.ErrParse, s)
		}
	}

	if rest == "" {
		return nil, fmt.Errorf("%w: %q", utils.ErrParse, s)
	}

	// A bare number is a port on the wildcard address.
	if port, err := strconv.Atoi(rest); err == nil {
		return &Addr{Scheme: scheme, Host: "0.0.0.0", Port: port}, nil
	}

	host := rest
	port := 0

	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		host = rest[:idx]
		portStr := rest[idx+1:]
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil || p < 0 || p > 65535 {
				return nil, fmt.Errorf("%w: bad port in %q", utils.ErrParse, s)
			}
			port = p
		}
	}

	if host == "" {
		return nil, fmt.Errorf("%w: %q", utils.ErrParse, s)
	}

	return &Addr{Scheme: scheme, Host: host, Port: port}, nil
}

// String formats the address as <scheme>://<host>:<port>.
func (a *Addr) String() string {
	return fmt.Sprintf("%s://%s", a.Scheme, a.HostPort())
}

// HostPort formats the address as <host>:<port>, suitable for dialing.
func (a *Addr) HostPort() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// WithPort returns a copy of the address with the given port.
func (a *Addr) WithPort(port int) *Addr {
	return &Addr{Scheme: a.Scheme, Host: a.Host, Port: port}
}
