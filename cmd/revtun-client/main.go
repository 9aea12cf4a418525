package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/floegence/revtun/internal/cmdutil"
	"github.com/floegence/revtun/internal/defaults"
	"github.com/floegence/revtun/internal/securefile"
	fsversion "github.com/floegence/revtun/internal/version"
	"github.com/floegence/revtun/protocol"
	"github.com/floegence/revtun/tunnel/client"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	subdomain := cmdutil.EnvString("REVTUN_SUBDOMAIN", "")
	localHost := cmdutil.EnvString("REVTUN_LOCAL_HOST", "localhost")
	localPort, err := cmdutil.EnvInt("REVTUN_LOCAL_PORT", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_LOCAL_PORT: %v\n", err)
		return 2
	}
	serverHost := cmdutil.EnvString("REVTUN_SERVER_HOST", "")
	controlPort, err := cmdutil.EnvInt("REVTUN_CONTROL_PORT", defaults.ControlPort)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_CONTROL_PORT: %v\n", err)
		return 2
	}
	tcp, err := cmdutil.EnvBool("REVTUN_TCP", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_TCP: %v\n", err)
		return 2
	}
	secret := cmdutil.EnvString("REVTUN_SECRET", "")
	secretFile := cmdutil.EnvString("REVTUN_SECRET_FILE", "")
	reconnect, err := cmdutil.EnvBool("REVTUN_RECONNECT", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid REVTUN_RECONNECT: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("revtun-client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&subdomain, "subdomain", subdomain, "subdomain to register with the server (env: REVTUN_SUBDOMAIN)")
	fs.StringVar(&localHost, "local-host", localHost, "local host to forward traffic to (env: REVTUN_LOCAL_HOST)")
	fs.IntVar(&localPort, "local-port", localPort, "local port to expose (env: REVTUN_LOCAL_PORT)")
	fs.StringVar(&serverHost, "server-host", serverHost, "tunnel server address (env: REVTUN_SERVER_HOST)")
	fs.IntVar(&controlPort, "control-port", controlPort, "tunnel server control port (env: REVTUN_CONTROL_PORT)")
	fs.BoolVar(&tcp, "tcp", tcp, "expose a raw TCP service instead of HTTP (env: REVTUN_TCP)")
	fs.StringVar(&secret, "secret", secret, "shared secret (must match the server's -secret) (env: REVTUN_SECRET)")
	fs.StringVar(&secretFile, "secret-file", secretFile, "path to a file containing the shared secret (overrides -secret) (env: REVTUN_SECRET_FILE)")
	fs.BoolVar(&reconnect, "reconnect", reconnect, "automatically reconnect on disconnect (env: REVTUN_RECONNECT)")
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

	if subdomain == "" || serverHost == "" || localPort == 0 {
		fmt.Fprintln(stderr, "missing -subdomain, -server-host, or -local-port")
		fs.Usage()
		return 2
	}
	if secretFile != "" {
		s, err := securefile.ReadSecret(secretFile)
		if err != nil {
			fmt.Fprintf(stderr, "reading -secret-file: %v\n", err)
			return 1
		}
		secret = s
	}

	proto := protocol.ProtoHTTP
	if tcp {
		proto = protocol.ProtoTCP
	}

	banner := func(publicPort uint16) {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "  Tunnel active!")
		fmt.Fprintf(stdout, "    Subdomain : %s\n", subdomain)
		fmt.Fprintf(stdout, "    Public    : %s:%d\n", serverHost, publicPort)
		fmt.Fprintf(stdout, "    Local     : %s:%d\n", localHost, localPort)
		fmt.Fprintf(stdout, "    Protocol  : %s\n", proto)
		fmt.Fprintln(stdout)
	}

	cfg, err := client.NewConfig(subdomain, uint16(localPort),
		client.WithProto(proto),
		client.WithServer(serverHost, uint16(controlPort)),
		client.WithLocalHost(localHost),
		client.WithSecret(secret),
		client.WithLogger(logger),
		client.WithOnRegistered(banner),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger.Printf("starting revtun-client: subdomain=%s local=%s:%d server=%s:%d", subdomain, localHost, localPort, serverHost, controlPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 2)
	registerSignals(sig)
	go func() {
		<-sig
		logger.Printf("shutting down")
		cancel()
	}()

	for {
		err := client.Run(ctx, cfg)
		if ctx.Err() != nil {
			return 0
		}
		if err == nil {
			logger.Printf("tunnel closed cleanly")
			return 0
		}
		logger.Printf("tunnel error: %v", err)
		if !reconnect {
			fmt.Fprintln(stderr, err)
			return 1
		}
		logger.Printf("reconnecting in %s", defaults.ReconnectDelay)
		select {
		case <-time.After(defaults.ReconnectDelay):
		case <-ctx.Done():
			return 0
		}
	}
}
