package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sockredirect/internal/config"
	"github.com/die-net/sockredirect/internal/conn"
	"github.com/die-net/sockredirect/internal/dialer"
	"github.com/die-net/sockredirect/internal/ingress"
	"github.com/die-net/sockredirect/internal/origdst"
	"github.com/die-net/sockredirect/internal/queryd"
	"github.com/die-net/sockredirect/internal/redirect"
	"github.com/die-net/sockredirect/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.CommandLine
	configPath := fs.String("config", "", "TOML config file. Flags given on the command line override its values; SIGHUP reloads it.")
	defineConfigFlags(fs)

	var (
		capacity = fs.Int("capacity", redirect.DefaultCapacity, "Maximum tracked connections")

		socksListen = fs.String("socks5-listen", "", "SOCKS5 listen address whose CONNECTs are dialed through the redirect hooks (e.g. 127.0.0.1:1080). Empty disables.")
		relayListen = fs.String("relay-listen", "", "Transparent relay listen address serving redirected connections (e.g. 127.0.0.1:15001). Empty disables.")
		queryListen = fs.String("query-listen", "", "Original-destination query listen address for out-of-process proxies (e.g. 127.0.0.1:15002). Empty disables.")
		debugListen = fs.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /debug/redirect (e.g. 127.0.0.1:6060). Empty disables.")

		dialTimeout        = fs.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = fs.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		queryIdleTimeout   = fs.Duration("query-idle-timeout", queryd.DefaultIdleTimeout, "Close query connections idle for this long. 0 disables.")
		relayLookup        = fs.String("relay-lookup", "local", "Where the relay recovers original destinations: local (this daemon's hooks) | kernel (SO_ORIGINAL_DST) | query address of another daemon")
		resolveTimeout     = fs.Duration("resolve-timeout", tproxy.DefaultResolveTimeout, "How long the relay waits for a connection's original destination")
		tcpKeepAlive       = fs.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = fs.Bool("verbose", false, "Enable per-connection error logging")
	)

	fs.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *socksListen == "" && *relayListen == "" && *queryListen == "" {
		return errors.New("no listeners enabled (set at least one of --socks5-listen, --relay-listen, --query-listen)")
	}

	cfg, err := loadConfig(*configPath, fs)
	if err != nil {
		return err
	}

	log, level, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore()
	pipeline := redirect.New(store, redirect.Options{Capacity: *capacity, Logger: log})

	dialCfg := dialer.Config{
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
	}

	// The relay is opened first so its address can stand in for an unset
	// proxy address.
	var relayAddr netip.AddrPort
	if *relayListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp4", *relayListen, ka)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		lookup, err := relayLookuper(*relayLookup, pipeline, *dialTimeout)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("invalid --relay-lookup: %w", err)
		}
		relayAddr = ln.Addr().(*net.TCPAddr).AddrPort()
		srv := tproxy.NewServer(ctx, tproxy.Config{
			Lookup:         lookup,
			Dialer:         dialer.NewDirectDialer(dialCfg),
			ResolveTimeout: *resolveTimeout,
			Logger:         log.Named("relay"),
			Verbose:        *verbose,
		})
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("relay serve: %w", err)
			}
			return nil
		})
		log.Info("relay listening", zap.Stringer("addr", ln.Addr()))
	}

	install := func(c config.Config) error {
		fillProxy(&c, relayAddr)
		if err := store.Set(c); err != nil {
			return err
		}
		level.SetLevel(logLevel(c.Debug))
		log.Info("config installed",
			zap.Stringer("proxy", netip.AddrPortFrom(c.ProxyAddr, c.ProxyPort)),
			zap.Uint32("proxy_pid", c.ProxyPID),
			zap.String("target", fmt.Sprintf("%s/%d", c.TargetNetwork, c.TargetMask)),
			zap.Uint16("control_plane_port", c.ControlPlanePort),
			zap.Bool("debug", c.Debug))
		return nil
	}
	if err := install(cfg); err != nil {
		return err
	}

	if *configPath != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		context.AfterFunc(ctx, func() { signal.Stop(hup) })

		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
				}
				c, err := loadConfig(*configPath, fs)
				if err == nil {
					err = install(c)
				}
				if err != nil {
					// The previous config stays installed.
					log.Error("config reload failed", zap.Error(err))
				}
			}
		})
	}

	if *debugListen != "" {
		mux := http.DefaultServeMux
		mux.Handle("/debug/redirect", statsHandler(pipeline))

		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", zap.String("addr", *debugListen))
	}

	if *queryListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", *queryListen, ka)
		if err != nil {
			return fmt.Errorf("query listen: %w", err)
		}
		srv := queryd.NewServer(pipeline, log.Named("queryd"), *queryIdleTimeout, *verbose)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("query serve: %w", err)
			}
			return nil
		})
		log.Info("query endpoint listening", zap.String("addr", *queryListen))
	}

	if *socksListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", *socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := ingress.NewSOCKS5Server(ctx, ingress.Config{
			NegotiationTimeout: *negotiationTimeout,
			KeepAlive:          ka,
			Dialer:             dialer.NewRedirectDialer(dialCfg, pipeline),
		}, log.Named("socks5"), *verbose)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.Info("socks5 proxy listening", zap.String("addr", *socksListen))
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down", zap.Object("stats", pipeline.Stats()))
	return err
}

// loadConfig reads path (if any) over the defaults, then applies the
// POD_CIDR and DEBUG environment variables and finally every redirection flag
// set on the command line.
func loadConfig(path string, fs *pflag.FlagSet) (config.Config, error) {
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.LoadFile(path); err != nil {
			return c, err
		}
	}
	if err := applyEnv(&c, os.Getenv); err != nil {
		return c, err
	}
	if err := applyFlags(&c, fs); err != nil {
		return c, err
	}
	return c, nil
}

// defineConfigFlags registers the flags applyFlags reads.
func defineConfigFlags(fs *pflag.FlagSet) {
	fs.String("proxy-addr", "", "IPv4 address redirected connections are sent to. Defaults to the --relay-listen address.")
	fs.Uint16("proxy-port", 0, "Port redirected connections are sent to. Defaults to the --relay-listen port.")
	fs.Uint32("proxy-pid", 0, "Process id of the proxy, whose own connects are never redirected. 0 disables the check.")
	fs.String("target-network", "", "IPv4 CIDR whose destinations are redirected, e.g. 10.1.0.0/16 (env POD_CIDR)")
	fs.Uint16("control-plane-port", config.DefaultControlPlanePort, "Destination port that is never redirected. 0 disables the exemption.")
	fs.Bool("debug", false, "Trace every hook decision (env DEBUG)")
}

func applyEnv(c *config.Config, getenv func(string) string) error {
	if cidr := getenv("POD_CIDR"); cidr != "" {
		if err := c.SetTarget(cidr); err != nil {
			return fmt.Errorf("invalid POD_CIDR: %w", err)
		}
	}
	if getenv("DEBUG") != "" {
		c.Debug = true
	}
	return nil
}

func applyFlags(c *config.Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "proxy-addr":
			var addr netip.Addr
			if addr, err = netip.ParseAddr(f.Value.String()); err != nil {
				err = fmt.Errorf("invalid --proxy-addr: %w", err)
				return
			}
			c.ProxyAddr = addr
		case "proxy-port":
			c.ProxyPort, err = fs.GetUint16(f.Name)
		case "proxy-pid":
			c.ProxyPID, err = fs.GetUint32(f.Name)
		case "target-network":
			if err = c.SetTarget(f.Value.String()); err != nil {
				err = fmt.Errorf("invalid --target-network: %w", err)
			}
		case "control-plane-port":
			c.ControlPlanePort, err = fs.GetUint16(f.Name)
		case "debug":
			c.Debug, err = fs.GetBool(f.Name)
		}
	})
	return err
}

func relayLookuper(s string, local origdst.Lookuper, timeout time.Duration) (origdst.Lookuper, error) {
	switch s {
	case "", "local":
		return local, nil
	case "kernel":
		if !origdst.IsSupported {
			return nil, errors.New("SO_ORIGINAL_DST is not supported on this platform")
		}
		return origdst.Kernel(), nil
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return nil, err
	}
	return queryd.NewClient("tcp", s, timeout), nil
}

// fillProxy points an unset proxy address or port at the relay.
func fillProxy(c *config.Config, relay netip.AddrPort) {
	if !relay.IsValid() {
		return
	}
	if !c.ProxyAddr.IsValid() {
		addr := relay.Addr().Unmap()
		if addr.IsUnspecified() {
			addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
		}
		c.ProxyAddr = addr
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = relay.Port()
	}
}

func newLogger(debug bool) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(logLevel(debug))
	zc.Sampling = nil
	log, err := zc.Build()
	if err != nil {
		return nil, zc.Level, fmt.Errorf("logger: %w", err)
	}
	return log, zc.Level, nil
}

func logLevel(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func statsHandler(p *redirect.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.Stats())
	})
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
