package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelproxy/exagate/internal/classifier"
	"github.com/kestrelproxy/exagate/internal/config"
	"github.com/kestrelproxy/exagate/internal/logging"
	"github.com/kestrelproxy/exagate/internal/netlisten"
	"github.com/kestrelproxy/exagate/internal/poller"
	"github.com/kestrelproxy/exagate/internal/reactor"
	"github.com/kestrelproxy/exagate/internal/resolver"
	"github.com/kestrelproxy/exagate/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	debug      bool
	jsonLogs   bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("exagate starting",
		"proxy_v4", cfg.Listen.ProxyV4Addr,
		"proxy_v6", cfg.Listen.ProxyV6Addr,
		"max_clients", cfg.Listen.MaxClients,
		"dns_upstream", cfg.DNS.Upstream,
	)

	admission := netlisten.NewAdmissionSet(cfg.Listen.MaxClients)

	if cfg.Listen.ProxyV4Addr != "" {
		l, err := netlisten.Listen(reactor.InterestReadProxy, cfg.Listen.ProxyV4Addr, cfg.Listen.Backlog)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.ProxyV4Addr, err)
		}
		admission.Add(l)
	}
	if cfg.Listen.ProxyV6Addr != "" {
		l, err := netlisten.Listen(reactor.InterestReadProxy, cfg.Listen.ProxyV6Addr, cfg.Listen.Backlog)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.ProxyV6Addr, err)
		}
		admission.Add(l)
	}
	if cfg.Listen.AdminAddr != "" {
		l, err := netlisten.Listen(reactor.InterestReadWeb, cfg.Listen.AdminAddr, cfg.Listen.Backlog)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Listen.AdminAddr, err)
		}
		admission.Add(l)
	}

	p, err := poller.New()
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	defer p.Close()

	p.SetupRead(reactor.InterestReadProxy)
	p.SetupRead(reactor.InterestReadWeb)
	p.SetupRead(reactor.InterestReadWorkers)
	p.SetupRead(reactor.InterestReadClient)
	p.SetupRead(reactor.InterestOpeningClient)
	p.SetupWrite(reactor.InterestWriteClient)
	p.SetupRead(reactor.InterestReadDownload)
	p.SetupWrite(reactor.InterestWriteDownload)
	p.SetupWrite(reactor.InterestOpeningDLoad)
	p.SetupRead(reactor.InterestReadResolver)
	p.SetupWrite(reactor.InterestWriteResolver)

	for _, l := range admission.Listeners() {
		fd, err := l.FD()
		if err != nil {
			return fmt.Errorf("failed to get fd for listener %s: %w", l.Name, err)
		}
		if err := p.AddReadSocket(l.Name, fd); err != nil {
			return fmt.Errorf("failed to register listener %s: %w", l.Name, err)
		}
	}

	cm := classifier.NewManager(classifier.Config{
		Program: cfg.Classifier.Program,
		Args:    cfg.Classifier.Args,
		Low:     cfg.Classifier.Low,
		High:    cfg.Classifier.High,
	}, logger)

	udpTimeout := parseDurationOrDefault(cfg.DNS.UDPTimeout, 2*time.Second)
	tcpTimeout := parseDurationOrDefault(cfg.DNS.TCPTimeout, 5*time.Second)
	queryTimeout := parseDurationOrDefault(cfg.DNS.QueryTimeout, 4*time.Second)
	cacheTTL := parseDurationOrDefault(cfg.DNS.CacheTTL, 5*time.Minute)
	alarmInterval := parseDurationOrDefault(cfg.Supervisor.AlarmInterval, time.Second)

	rv, err := resolver.New(resolver.Config{
		Upstream:     cfg.DNS.Upstream,
		UDPTimeout:   udpTimeout,
		TCPTimeout:   tcpTimeout,
		DefaultTTL:   cacheTTL,
		SweepPerTick: cfg.DNS.SweepPerTick,
		QueryTimeout: queryTimeout,
	}, logger, p)
	if err != nil {
		return fmt.Errorf("failed to start resolver: %w", err)
	}
	defer rv.Close()

	resolverFD, err := rv.FD()
	if err != nil {
		return fmt.Errorf("failed to get resolver fd: %w", err)
	}
	if err := p.AddReadSocket(reactor.InterestReadResolver, resolverFD); err != nil {
		return fmt.Errorf("failed to register resolver: %w", err)
	}

	r := reactor.New(logger, p, admission, cm, rv, 100)
	sup := supervisor.New(logger, r, cm, alarmInterval, queryTimeout, 100)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = sup.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor exited with error: %w", err)
	}
	return nil
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
