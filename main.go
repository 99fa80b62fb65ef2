package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-zoox/fs"
	"github.com/go-zoox/logger"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/erik/mittens/internal/conn"
	"github.com/erik/mittens/internal/dialer"
	"github.com/erik/mittens/internal/proxy"
	"github.com/erik/mittens/internal/resolver"
	"github.com/erik/mittens/internal/tproxy"
	"github.com/erik/mittens/internal/tunnel"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		err = keygen(os.Stdout, os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen  = pflag.String("socks5-listen", "127.0.0.1:1080", "SOCKS5 proxy listen address. Empty disables.")
		tproxyListen = pflag.String("tproxy-listen", "", "Transparent proxy listen address (e.g. 127.0.0.1:1234). Empty disables.")
		relayListen  = pflag.String("relay-listen", "", "Run the relay server on this address (e.g. 0.0.0.0:9021). Empty disables.")

		upstream   = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | relay://host[:port]")
		relayKey   = pflag.String("relay-key", "", "Relay server public key: base64 string or path to a file containing it")
		signingKey = pflag.String("signing-key", "", "Path to the relay server's signing key (see 'mittens keygen')")
		dnsServer  = pflag.String("dns-server", "", "DNS server (host[:port]) for SOCKS5 domain targets. Empty uses the system resolver.")
		remoteDNS  = pflag.Bool("remote-dns", false, "Pass SOCKS5 domain targets to the upstream unresolved (a relay then resolves them)")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		handshakeTimeout   = pflag.Duration("handshake-timeout", tunnel.DefaultHandshakeTimeout, "Timeout for connecting to and authenticating the relay")
		openTimeout        = pflag.Duration("open-timeout", tunnel.DefaultOpenTimeout, "Timeout for the relay to answer a stream open")
		rekeyInterval      = pflag.Duration("rekey-interval", tunnel.DefaultRekeyInterval, "Tunnel key rotation interval. 0 disables.")
		maxStreams         = pflag.Int("max-streams", tunnel.DefaultMaxStreams, "Maximum concurrent streams per tunnel")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		configPath         = pflag.String("config", "", "Optional config file (yaml, json or toml). Command-line flags take precedence.")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(pflag.CommandLine, *configPath); err != nil {
			return err
		}
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *socksListen == "" && *tproxyListen == "" && *relayListen == "" {
		return errors.New("no listeners enabled (set at least one of --socks5-listen, --tproxy-listen, --relay-listen)")
	}

	rekey := *rekeyInterval
	if rekey == 0 {
		rekey = -1
	}

	dialCfg := dialer.Config{
		DialTimeout:      *dialTimeout,
		KeepAlive:        ka,
		HandshakeTimeout: *handshakeTimeout,
		OpenTimeout:      *openTimeout,
		RekeyInterval:    rekey,
		MaxStreams:       *maxStreams,
	}
	if *relayKey != "" {
		dialCfg.RelayVerifyKey, err = loadVerifyKey(*relayKey)
		if err != nil {
			return fmt.Errorf("invalid --relay-key: %w", err)
		}
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		DialTimeout:        *dialTimeout,
		Resolver:           resolver.New(*dnsServer, *dialTimeout),
		RemoteResolve:      *remoteDNS,
	}

	if *socksListen != "" || *tproxyListen != "" {
		cfg.Dialer, err = dialer.New(dialCfg, *upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream: %w", err)
		}
		if c, ok := cfg.Dialer.(io.Closer); ok {
			defer c.Close()
		}
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := conn.ListenTCP(ctx, "tcp", *debugListen, ka)
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
		logger.Infof("debug listening on %s", *debugListen)
	}

	if *relayListen != "" {
		if *signingKey == "" {
			return errors.New("--relay-listen requires --signing-key")
		}
		id, err := tunnel.LoadIdentity(*signingKey)
		if err != nil {
			return fmt.Errorf("invalid --signing-key: %w", err)
		}

		ln, err := conn.ListenTCP(ctx, "tcp", *relayListen, ka)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		srv, err := tunnel.NewServer(ln, tunnel.ServerConfig{
			Identity:         id,
			Dialer:           dialer.NewDirectDialer(dialCfg),
			Resolver:         cfg.Resolver,
			HandshakeTimeout: *handshakeTimeout,
			DialTimeout:      *dialTimeout,
			RekeyInterval:    rekey,
			MaxStreams:       *maxStreams,
			Verbose:          *verbose,
		})
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("relay server: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ctx); err != nil {
				return fmt.Errorf("relay serve: %w", err)
			}
			return nil
		})
		logger.Infof("relay listening on %s (public key %s)", *relayListen, tunnel.EncodeKey(id.Public[:]))
	}

	if *socksListen != "" {
		ln, err := conn.ListenTCP(ctx, "tcp", *socksListen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg, *verbose)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})

		logger.Infof("socks5 proxy listening on %s (upstream %s)", *socksListen, *upstream)
	}

	if *tproxyListen != "" {
		ln, err := tproxy.ListenTransparentTCP(ctx, *tproxyListen, ka)
		if err != nil {
			return fmt.Errorf("tproxy listen: %w", err)
		}
		tsrv := tproxy.NewServer(ctx, cfg, *verbose)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := tsrv.Serve(ln); err != nil {
				return fmt.Errorf("tproxy serve: %w", err)
			}
			return nil
		})
		logger.Infof("tproxy listening on %s", *tproxyListen)
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Infof("shutting down")
	return err
}

// loadVerifyKey accepts either a base64 key or the path of a file holding
// one.
func loadVerifyKey(s string) (*[tunnel.VerifyKeySize]byte, error) {
	if fs.IsExist(s) {
		return tunnel.LoadVerifyKey(s)
	}
	return tunnel.ParseVerifyKey(s)
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

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
