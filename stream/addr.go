package stream

import (
	"fmt"
	"net"
	"os"
)

// Addr identifies one end of a Stream: an (address, port) pair. A zero
// Addr (empty Addr, zero Port) represents "unset" in a Stream's identity.
type Addr struct {
	Addr string
	Port int
}

// IsSet reports whether this Addr has been populated.
func (a Addr) IsSet() bool { return a.Addr != "" || a.Port != 0 }

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// resolveIPv4 resolves host (possibly empty, meaning "any"/auto) to a
// 4-byte IPv4 address. daqfabric's reactor deals exclusively in raw IPv4
// sockets (socket_linux.go creates AF_INET sockets only); DNS resolution itself still goes
// through the standard library resolver.
func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" {
		return out, nil // INADDR_ANY
	}
	ipaddr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return out, fmt.Errorf("resolving %q: %w", host, err)
	}
	ip4 := ipaddr.IP.To4()
	if ip4 == nil {
		return out, fmt.Errorf("%q does not resolve to an IPv4 address", host)
	}
	copy(out[:], ip4)
	return out, nil
}

func autoLocalIPv4() ([4]byte, error) {
	var out [4]byte
	hostname, err := os.Hostname()
	if err != nil {
		return out, err
	}
	return resolveIPv4(hostname)
}
