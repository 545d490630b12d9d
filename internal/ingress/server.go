package ingress

import (
	"context"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"go.uber.org/zap"

	"github.com/die-net/sockredirect/internal/conn"
	"github.com/die-net/sockredirect/internal/dialer"
)

type Config struct {
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Dialer opens the outbound connection for each CONNECT. In the daemon
	// it is a dialer.RedirectDialer.
	Dialer dialer.Dialer
}

// SOCKS5Server accepts CONNECT requests from unmodified clients and opens
// the requested connection through cfg.Dialer, so it is subject to
// redirection like any connection made from this process.
type SOCKS5Server struct {
	ctx     context.Context
	cfg     Config
	log     *zap.Logger
	verbose bool
}

func NewSOCKS5Server(ctx context.Context, cfg Config, log *zap.Logger, verbose bool) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: log, verbose: verbose}
}

func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handleConn(c); err != nil && s.verbose {
				s.log.Info("socks5 connection error", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

func (s *SOCKS5Server) handleConn(c net.Conn) error {
	defer c.Close()
	conn.ApplyKeepAlive(c, s.cfg.KeepAlive)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := negotiate(c); err != nil {
		return err
	}
	req, err := readRequest(c)
	if err != nil {
		return err
	}
	if req.Cmd != txsocks5.CmdConnect {
		writeFailure(c, txsocks5.RepCommandNotSupported, req.Atyp)
		return fmt.Errorf("unsupported command %d", req.Cmd)
	}

	dst := req.Address()
	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		writeFailure(c, txsocks5.RepConnectionRefused, req.Atyp)
		return err
	}
	defer up.Close()

	if err := writeSuccess(c, up.LocalAddr()); err != nil {
		return err
	}
	_ = c.SetDeadline(time.Time{})

	if err := conn.CopyBidirectional(ctx, c, up); err != nil {
		return fmt.Errorf("socks5 %s: %w", dst, err)
	}
	return nil
}
