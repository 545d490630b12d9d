package config

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultControlPlanePort is the cluster-to-cluster control port that is
// never redirected.
const DefaultControlPlanePort = 18001

// ErrInvalid is returned for configurations that cannot be installed.
var ErrInvalid = errors.New("invalid config")

// Config is the redirection configuration written by the control process.
type Config struct {
	ProxyAddr        netip.Addr `toml:"proxy_address"`
	ProxyPort        uint16     `toml:"proxy_port"`
	ProxyPID         uint32     `toml:"proxy_pid"`
	TargetNetwork    netip.Addr `toml:"target_network"`
	TargetMask       uint8      `toml:"target_mask"`
	ControlPlanePort uint16     `toml:"control_plane_port"`
	Debug            bool       `toml:"debug"`
}

// Default returns a Config with the control-plane exemption enabled and
// everything else unset.
func Default() Config {
	return Config{ControlPlanePort: DefaultControlPlanePort}
}

// Mask derives the IPv4 bitmask for a prefix length, (-1) << (32 - prefix).
// A prefix of 0 yields an all-zero mask.
func Mask(prefix uint8) uint32 {
	return ^uint32(0) << (32 - uint32(prefix))
}

// Validate reports whether c can be installed in a Store.
func (c Config) Validate() error {
	if !c.ProxyAddr.Unmap().Is4() {
		return fmt.Errorf("%w: proxy address %v is not IPv4", ErrInvalid, c.ProxyAddr)
	}
	if c.ProxyPort == 0 {
		return fmt.Errorf("%w: proxy port is zero", ErrInvalid)
	}
	if !c.TargetNetwork.Unmap().Is4() {
		return fmt.Errorf("%w: target network %v is not IPv4", ErrInvalid, c.TargetNetwork)
	}
	if c.TargetMask > 32 {
		return fmt.Errorf("%w: target mask /%d out of range", ErrInvalid, c.TargetMask)
	}
	return nil
}

// SetTarget parses a CIDR such as "10.1.0.0/16" into TargetNetwork and
// TargetMask.
func (c *Config) SetTarget(cidr string) error {
	network, prefix, err := ParseCIDR(cidr)
	if err != nil {
		return err
	}
	c.TargetNetwork = network
	c.TargetMask = prefix
	return nil
}

// ParseCIDR splits an IPv4 CIDR into its network address and prefix length.
func ParseCIDR(cidr string) (netip.Addr, uint8, error) {
	addr, bits, ok := strings.Cut(strings.TrimSpace(cidr), "/")
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("%w: cidr %q has no prefix length", ErrInvalid, cidr)
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: cidr %q: %w", ErrInvalid, cidr, err)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%w: cidr %q is not IPv4", ErrInvalid, cidr)
	}
	n, err := strconv.ParseUint(bits, 10, 8)
	if err != nil || n > 32 {
		return netip.Addr{}, 0, fmt.Errorf("%w: cidr %q has bad prefix length", ErrInvalid, cidr)
	}
	return ip, uint8(n), nil
}

// LoadFile decodes a TOML config file on top of Default().
func LoadFile(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if _, err := toml.Decode(string(b), &c); err != nil {
		return c, fmt.Errorf("decode config %s: %w", path, err)
	}
	return c, nil
}

// Uint32 returns the host-order integer form of an IPv4 address.
func Uint32(addr netip.Addr) uint32 {
	a := addr.Unmap().As4()
	return binary.BigEndian.Uint32(a[:])
}
