// Command osprey runs the mail transfer agent daemon.
package main

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ospreymta/osprey"
	"github.com/ospreymta/osprey/capability"
	"github.com/ospreymta/osprey/config"
	"github.com/ospreymta/osprey/delegate"
	"github.com/ospreymta/osprey/delivery"
	"github.com/ospreymta/osprey/dns"
	"github.com/ospreymta/osprey/policy"
	"github.com/ospreymta/osprey/queue"
	"github.com/ospreymta/osprey/sasl"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "/etc/osprey/osprey.conf", "path to the configuration file")
	foreground := flag.Bool("foreground", false, "stay attached to the terminal")
	stdout := flag.Bool("stdout", false, "log to stdout regardless of the configured log file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("osprey %s\n", version)
		return
	}

	if err := run(*configPath, *foreground, *stdout); err != nil {
		fmt.Fprintf(os.Stderr, "osprey: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, foreground, stdout bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, cleanup, err := newLogger(cfg, foreground, stdout)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting", "version", version, "hostname", cfg.Hostname)

	queues, err := queue.Open(cfg.QueueDir, logger)
	if err != nil {
		return err
	}

	resolver := dns.NewClient(dns.ClientConfig{})

	registry := capability.NewRegistry(cfg.Policy.CapabilityTimeout, logger)
	cache, err := capability.NewCacheModule(0)
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := registry.Register(cache); err != nil {
		return err
	}
	if err := registry.Register(capability.NewDNSXLModule(resolver, cfg.Policy.DNSBlockLists)); err != nil {
		return err
	}

	rules, err := policy.Load(cfg.Policy.RulesFile, registry, logger)
	if err != nil {
		return err
	}
	dispatcher := policy.NewDispatcher(rules, cfg.Policy.StageTimeout, logger)

	workers := delivery.New(queues, delivery.Config{
		Hostname:          cfg.Hostname,
		Workers:           cfg.Delivery.Workers,
		MaxAttempts:       cfg.Delivery.MaxAttempts,
		BackoffBase:       cfg.Delivery.BackoffBase,
		BackoffMultiplier: cfg.Delivery.BackoffMultiplier,
		BackoffCap:        cfg.Delivery.BackoffCap,
		LocalDomains:      cfg.LocalDomains,
		MaildirRoot:       cfg.MaildirRoot,
		ForwardAddr:       cfg.Delivery.ForwardAddr,
		Resolver:          resolver,
		Logger:            logger,
	})

	var services []delegate.Service
	for name, addr := range cfg.Delegation.Services {
		services = append(services, delegate.Service{Name: name, Addr: addr})
	}
	controller := delegate.New(queues, workers, delegate.Config{
		Hostname: cfg.Hostname,
		Services: services,
		MaxHops:  cfg.Delegation.MaxHops,
		Timeout:  cfg.Delegation.Timeout,
		Policy:   dispatcher,
		Logger:   logger,
	})

	serverConfig := osprey.DefaultServerConfig()
	serverConfig.Hostname = cfg.Hostname
	serverConfig.Addr = cfg.Listener.Addr
	serverConfig.Policy = dispatcher
	serverConfig.Spooler = controller
	serverConfig.Delegation = controller
	serverConfig.Logger = logger
	serverConfig.AuthMechanisms = cfg.Auth.Mechanisms
	serverConfig.RequireAuth = cfg.Auth.Require
	serverConfig.AllowClearTextAuth = cfg.Auth.AllowClearText
	if cfg.Limits.MaxMessageSize > 0 {
		serverConfig.MaxMessageSize = cfg.Limits.MaxMessageSize
	}
	if cfg.Limits.MaxRecipients > 0 {
		serverConfig.MaxRecipients = cfg.Limits.MaxRecipients
	}
	if cfg.Limits.MaxConnections > 0 {
		serverConfig.MaxConnections = cfg.Limits.MaxConnections
	}
	if cfg.Limits.MaxErrors > 0 {
		serverConfig.MaxErrors = cfg.Limits.MaxErrors
	}

	if cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS keypair: %w", err)
		}
		serverConfig.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if cfg.Auth.CredentialsFile != "" {
		auth, err := fileAuthenticator(cfg.Auth.CredentialsFile)
		if err != nil {
			return err
		}
		serverConfig.Authenticator = auth
	}

	server, err := osprey.NewServer(serverConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers.Start(ctx)
	defer workers.Stop()
	controller.Start(ctx)
	defer controller.Stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != osprey.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "err", err)
		}
	}

	logger.Info("stopped")
	return nil
}

func newLogger(cfg *config.Config, foreground, stdout bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "debug":
		level = slog.LevelDebug
	}

	cleanup := func() {}
	out := os.Stderr
	switch {
	case stdout:
		out = os.Stdout
	case cfg.Log.File != "" && !foreground:
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		cleanup = func() { f.Close() }
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), cleanup, nil
}

// fileAuthenticator checks credentials against user:password lines. The
// identity a mechanism produced is matched verbatim.
func fileAuthenticator(filename string) (osprey.Authenticator, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, password, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("credentials file: malformed line %q", line)
		}
		creds[user] = password
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	return func(_ context.Context, mechanism string, c *sasl.Credentials) error {
		if c.Anonymous {
			return nil
		}
		want, ok := creds[c.AuthenticationID]
		if !ok {
			return osprey.ErrAuthRequired
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(c.Password)) != 1 {
			return osprey.ErrAuthRequired
		}
		return nil
	}, nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener started", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "err", err)
	}
}
