package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

const unixPrefix = "unix:"

var ErrInvalidAddress = errors.New("kernel: invalid address")

// Address identifies a kernel endpoint: an IP socket address or a filesystem path.
type Address struct {
	ip   netip.AddrPort
	path string
}

func IPAddress(ap netip.AddrPort) Address {
	return Address{ip: ap}
}

func UnixAddress(path string) Address {
	return Address{path: path}
}

// AddressFromNet converts a net.Addr reported by a listener or connection.
func AddressFromNet(a net.Addr) Address {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return IPAddress(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	case *net.UnixAddr:
		return UnixAddress(v.Name)
	case nil:
		return Address{}
	default:
		addr, err := ParseAddress(a.String())
		if err != nil {
			return Address{}
		}
		return addr
	}
}

// ParseAddress accepts "host:port" with a literal IP or "unix:/path".
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, nil
	}
	if strings.HasPrefix(raw, unixPrefix) {
		path := strings.TrimPrefix(raw, unixPrefix)
		if path == "" {
			return Address{}, fmt.Errorf("%w: empty unix path", ErrInvalidAddress)
		}
		return UnixAddress(path), nil
	}
	ap, err := netip.ParseAddrPort(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	return IPAddress(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())), nil
}

func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) IsZero() bool {
	return !a.ip.IsValid() && a.path == ""
}

func (a Address) IsUnix() bool {
	return a.path != ""
}

func (a Address) AddrPort() netip.AddrPort {
	return a.ip
}

func (a Address) Addr() netip.Addr {
	return a.ip.Addr()
}

func (a Address) Port() uint16 {
	return a.ip.Port()
}

func (a Address) Path() string {
	return a.path
}

// WithPort keeps the IP and replaces the port. Unix addresses are returned unchanged.
func (a Address) WithPort(port uint16) Address {
	if !a.ip.IsValid() {
		return a
	}
	return IPAddress(netip.AddrPortFrom(a.ip.Addr(), port))
}

// Network returns the net package network name for dialing this address.
func (a Address) Network() string {
	if a.IsUnix() {
		return "unix"
	}
	return "tcp"
}

// DialString is the address in the form accepted by net.Dial.
func (a Address) DialString() string {
	if a.IsUnix() {
		return a.path
	}
	return a.ip.String()
}

func (a Address) String() string {
	switch {
	case a.IsUnix():
		return unixPrefix + a.path
	case a.ip.IsValid():
		return a.ip.String()
	default:
		return ""
	}
}

// Interface is a local network interface address with its netmask.
type Interface struct {
	Prefix netip.Prefix
}

func ParseInterface(raw string) (Interface, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(raw))
	if err != nil {
		return Interface{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	return Interface{Prefix: p}, nil
}

func (i Interface) Addr() netip.Addr {
	return i.Prefix.Addr()
}

func (i Interface) Contains(a Address) bool {
	return a.ip.IsValid() && i.Prefix.Contains(a.ip.Addr())
}

func (i Interface) String() string {
	return i.Prefix.String()
}
