package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/floegence/revtun/internal/cmdutil"
	"github.com/floegence/revtun/internal/defaults"
	"github.com/floegence/revtun/internal/securefile"
	fsversion "github.com/floegence/revtun/internal/version"
	"github.com/floegence/revtun/observability"
	"github.com/floegence/revtun/observability/prom"
	"github.com/floegence/revtun/tunnel/server"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// switchHandler lets a signal handler swap the /metrics handler between the
// real exporter and a 404 without tearing down the listener.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.AtomicTunnelObserver
	srv      *server.Server
}

func newMetricsController(handler *switchHandler, observer *observability.AtomicTunnelObserver, srv *server.Server) *metricsController {
	return &metricsController{handler: handler, observer: observer, srv: srv}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	tunnelObs := prom.NewTunnelObserver(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(tunnelObs)
	stats := c.srv.Stats()
	tunnelObs.ConnCount(stats.ConnCount)
	tunnelObs.TunnelCount(stats.TunnelCount)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.NoopTunnelObserver)
	c.enabled = false
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cfg := server.DefaultConfig()

	logger := log.New(stderr, "", log.LstdFlags)

	controlAddr := cmdutil.EnvString("REVTUN_CONTROL_ADDR", fmt.Sprintf(":%d", defaults.ControlPort))
	bindAddress := cmdutil.EnvString("REVTUN_BIND_ADDRESS", cfg.BindAddress)
	secret := cmdutil.EnvString("REVTUN_SECRET", "")
	secretFile := cmdutil.EnvString("REVTUN_SECRET_FILE", "")
	metricsAddr := cmdutil.EnvString("REVTUN_METRICS_ADDR", "")

	minPort, err := cmdutil.EnvInt("REVTUN_MIN_PORT", int(cfg.MinPort))
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_MIN_PORT: %v\n", err)
		return 2
	}
	maxPort, err := cmdutil.EnvInt("REVTUN_MAX_PORT", int(cfg.MaxPort))
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_MAX_PORT: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("revtun-server", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&controlAddr, "control-addr", controlAddr, "control channel listen address (env: REVTUN_CONTROL_ADDR)")
	fs.StringVar(&bindAddress, "bind-address", bindAddress, "address public tunnel listeners bind to (env: REVTUN_BIND_ADDRESS)")
	fs.IntVar(&minPort, "min-port", minPort, "minimum public port to hand out (env: REVTUN_MIN_PORT)")
	fs.IntVar(&maxPort, "max-port", maxPort, "maximum public port to hand out (env: REVTUN_MAX_PORT)")
	fs.StringVar(&secret, "secret", secret, "shared secret clients must authenticate with (optional) (env: REVTUN_SECRET)")
	fs.StringVar(&secretFile, "secret-file", secretFile, "path to a file containing the shared secret (overrides -secret) (env: REVTUN_SECRET_FILE)")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "listen address for a Prometheus /metrics endpoint (empty disables) (env: REVTUN_METRICS_ADDR)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, fsversion.String(version, commit, date))
		return 0
	}

	if secretFile != "" {
		s, err := securefile.ReadSecret(secretFile)
		if err != nil {
			fmt.Fprintf(stderr, "reading -secret-file: %v\n", err)
			return 1
		}
		secret = s
	}

	if minPort <= 0 || minPort > 65535 || maxPort <= 0 || maxPort > 65535 {
		fmt.Fprintln(stderr, "-min-port and -max-port must be in [1, 65535]")
		return 2
	}

	observer := observability.NewAtomicTunnelObserver()
	cfg.BindAddress = bindAddress
	cfg.MinPort = uint16(minPort)
	cfg.MaxPort = uint16(maxPort)
	cfg.Secret = secret
	cfg.Logger = logger
	cfg.Observer = observer

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ln, err := net.Listen("tcp", controlAddr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.Printf("revtun-server listening on %s (ports %d-%d)", ln.Addr(), cfg.MinPort, cfg.MaxPort)

	var metricsSrv *http.Server
	var metrics *metricsController
	if metricsAddr != "" {
		handler := newSwitchHandler()
		metrics = newMetricsController(handler, observer, s)
		metrics.Enable()

		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		metricsLn, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		logger.Printf("metrics listening on %s", metricsLn.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	sig := make(chan os.Signal, 2)
	registerSignals(sig)

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			return 0
		case sg := <-sig:
			if handled := handleSignal(sg, logger, metrics); handled {
				continue
			}
			ln.Close()
			if metricsSrv != nil {
				_ = metricsSrv.Close()
			}
			<-serveErr
			return 0
		}
	}
}
