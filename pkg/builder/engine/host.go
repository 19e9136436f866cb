package engine

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

const unixScheme = "unix://"

var tcpHostPattern = regexp.MustCompile(`^(\w+://)?([^:/]+):?(\d+)?$`)

// ParseHost turns an engine endpoint into a host URL the docker client accepts.
// Supported forms are unix:///path/to/socket, tcp://host:port, and host:port.
func ParseHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", xerrors.Errorf("no docker host given")
	}

	if strings.HasPrefix(raw, unixScheme) {
		if len(raw) == len(unixScheme) {
			return "", xerrors.Errorf("invalid docker host %q: missing socket path", raw)
		}
		return raw, nil
	}

	m := tcpHostPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", xerrors.Errorf("invalid docker host %q", raw)
	}
	if m[1] != "" && m[1] != "tcp://" {
		return "", xerrors.Errorf("invalid docker host %q: unsupported scheme %s", raw, strings.TrimSuffix(m[1], "://"))
	}
	if m[3] == "" {
		return "", xerrors.Errorf("invalid docker host %q: missing port", raw)
	}
	return "tcp://" + m[2] + ":" + m[3], nil
}

// IsSocket returns true if the endpoint points at a local unix socket the daemon listens on
func IsSocket(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), unixScheme) || strings.Contains(raw, "docker.sock")
}

// SocketPath returns the filesystem path of a unix socket endpoint
func SocketPath(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), unixScheme)
}
