package config

import (
	"net/netip"

	"go.uber.org/atomic"
)

// Snapshot is an immutable, installed Config with its derived values.
type Snapshot struct {
	Config

	network uint32
	mask    uint32
}

// InTarget reports whether addr falls inside the target network.
func (s *Snapshot) InTarget(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false
	}
	return Uint32(addr)&s.mask == s.network
}

// Proxy returns the redirect target.
func (s *Snapshot) Proxy() netip.AddrPort {
	return netip.AddrPortFrom(s.ProxyAddr, s.ProxyPort)
}

// Store holds the single process-wide configuration. Readers always see
// either no config or one complete Snapshot.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Set validates c and atomically replaces the current snapshot. The target
// network is normalized to its masked form.
func (s *Store) Set(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.ProxyAddr = c.ProxyAddr.Unmap()
	mask := Mask(c.TargetMask)
	network := Uint32(c.TargetNetwork) & mask
	c.TargetNetwork = netip.AddrFrom4([4]byte{
		byte(network >> 24), byte(network >> 16), byte(network >> 8), byte(network),
	})
	s.cur.Store(&Snapshot{Config: c, network: network, mask: mask})
	return nil
}

// Load returns the current snapshot, or nil if Set was never called.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}
