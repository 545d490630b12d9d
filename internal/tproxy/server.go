package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/conn"
	"github.com/die-net/sockredirect/internal/dialer"
	"github.com/die-net/sockredirect/internal/origdst"
)

const (
	DefaultResolveTimeout = time.Second

	retryMin = time.Millisecond
	retryMax = 50 * time.Millisecond
)

type Config struct {
	// Lookup recovers the original destination of accepted connections.
	Lookup origdst.Lookuper

	// Dialer connects to the original destination. It must not be
	// redirected back to this server.
	Dialer dialer.Dialer

	// ResolveTimeout bounds how long a connection whose client side has
	// not been indexed yet waits before it is dropped.
	ResolveTimeout time.Duration

	Logger  *zap.Logger
	Verbose bool
}

// Server is a transparent relay: every accepted connection is spliced to
// the destination its client originally asked for.
type Server struct {
	ctx context.Context
	cfg Config
	log *zap.Logger
}

func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ctx: ctx, cfg: cfg, log: log}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(c); err != nil {
				if s.cfg.Verbose {
					s.log.Info("relay connection error", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
				}
			}
		}()
	}
}

func (s *Server) handle(c net.Conn) error {
	defer c.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	dst, err := s.resolve(ctx, c)
	if err != nil {
		return err
	}

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return err
	}
	defer up.Close()

	if err := conn.CopyBidirectional(ctx, c, up); err != nil {
		return fmt.Errorf("relay %s: %w", dst, err)
	}
	return nil
}

// resolve looks up c's original destination. A client's port is indexed
// only once its connect completes, which can race with our accept, so a
// miss is retried with backoff until ResolveTimeout.
func (s *Server) resolve(ctx context.Context, c net.Conn) (netip.AddrPort, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()

	wait := retryMin
	for {
		dst, err := s.cfg.Lookup.OriginalDst(ctx, c)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, origdst.ErrNotFound) {
			return netip.AddrPort{}, err
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return netip.AddrPort{}, err
		case <-t.C:
		}
		wait = min(wait*2, retryMax)
	}
}
