// Command honeysap runs the honeypot in service mode: it loads a
// configuration document, starts every enabled router/dispatcher/forwarder
// service, and fans captured events out to the configured sinks. Grounded
// on the teacher's cmd/rigd/main.go flag-based, no-framework CLI style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/run"

	"github.com/secureauth/honeysap/internal/config"
	"github.com/secureauth/honeysap/internal/datastore"
	"github.com/secureauth/honeysap/internal/datastore/redisstore"
	"github.com/secureauth/honeysap/internal/dispatcher"
	"github.com/secureauth/honeysap/internal/feed"
	"github.com/secureauth/honeysap/internal/forwarder"
	"github.com/secureauth/honeysap/internal/honeylog"
	"github.com/secureauth/honeysap/internal/router"
	"github.com/secureauth/honeysap/internal/routetable"
	"github.com/secureauth/honeysap/internal/service"
	"github.com/secureauth/honeysap/internal/session"
)

// verbosity counts repeated "-v" flags, mirroring the CLI surface's
// 0-3 verbosity levels (spec.md 6).
type verbosity int

func (v *verbosity) String() string { return fmt.Sprintf("%d", *v) }
func (v *verbosity) Set(string) error {
	*v++
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

func main() {
	var verbose verbosity
	configPath := flag.String("c", "", "path to configuration file (JSON or YAML)")
	flag.Var(&verbose, "v", "increase log verbosity (repeatable)")
	coloredConsole := flag.Bool("colored-console", false, "colorize console log output")
	showAllLogs := flag.Bool("show-all-logs", false, "do not attenuate logs from outside the honeypot")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "honeysap: -c <config> is required")
		os.Exit(1)
	}

	logOpts := honeylog.Options{
		Verbosity:      honeylog.Verbosity(verbose),
		ColoredConsole: *coloredConsole,
		ShowAllLogs:    *showAllLogs,
	}
	logger := honeylog.New(logOpts)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeysap: %v\n", err)
		os.Exit(1)
	}

	store, err := buildDataStore(context.Background(), cfg, logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeysap: %v\n", err)
		os.Exit(1)
	}

	sessions := session.NewManager(1024)
	directory := service.NewDirectory()
	manager := service.NewManager()

	for _, sc := range cfg.Services {
		if !sc.EnabledOrDefault() {
			continue
		}
		svc, err := buildService(sc, directory, store, sessions, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "honeysap: service %q: %v\n", sc.Alias, err)
			os.Exit(1)
		}
		directory.Register(sc.ListenerAddressOrDefault(), sc.ListenerPort, svc)
		if !sc.Virtual {
			name := sc.Alias
			if name == "" {
				name = sc.Service
			}
			manager.Add(name, svc)
		}
	}

	sinks, err := buildSinks(cfg, logger, logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeysap: %v\n", err)
		os.Exit(1)
	}
	pipeline := feed.New(logger, sinks...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Setup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "honeysap: feed pipeline setup: %v\n", err)
		os.Exit(1)
	}
	defer pipeline.Stop(context.Background())

	group := run.Group{
		"services": manager.Runner(),
		"feeds": run.Func(func(ctx context.Context) error {
			pipeline.FanOut(ctx, sessions.EventChannel())
			return nil
		}),
	}

	logger.Info("honeysap starting", "services", len(cfg.Services), "feeds", len(cfg.Feeds))
	if err := group.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "honeysap: %v\n", err)
		os.Exit(1)
	}
}

// buildDataStore selects the configured backend per spec.md 6's
// "datastore_class" key.
func buildDataStore(ctx context.Context, cfg config.Config, logOpts honeylog.Options) (datastore.DataStore, error) {
	switch cfg.DatastoreClassOrDefault() {
	case "MemoryDataStore":
		return datastore.NewMemoryDataStore(), nil
	case "RedisDataStore":
		return redisstore.New(ctx, cfg.DatastoreAddressOrDefault(), honeylog.NewExternal(logOpts, "redis")), nil
	default:
		return nil, fmt.Errorf("unknown datastore_class %q", cfg.DatastoreClass)
	}
}

// buildService constructs the service named by sc.Service, per spec.md 6's
// per-service "service" tag. The router's directory is shared across every
// service so route targets (including virtual-mode ones) resolve by the
// listener address/port every service entry is registered under.
func buildService(sc config.Service, directory *service.Directory, store datastore.DataStore, sessions *session.Manager, logger *slog.Logger) (service.Service, error) {
	switch sc.Service {
	case "SAPRouter":
		table := routetable.Build(sc.RouteTable, routetable.WithInvalidEntryLogger(func(raw any, err error) {
			logger.Warn("router: skipping invalid route table entry", "entry", raw, "error", err)
		}))
		cfg := router.Config{
			Hostname:             sc.Hostname,
			Release:              sc.Release,
			RouterVersion:        sc.RouterVersionOrDefault(),
			RouterVersionPatch:   sc.RouterVersionPatch,
			InfoPassword:         sc.InfoPassword,
			ExternalAdmin:        sc.ExternalAdmin,
			Timeout:              time.Duration(sc.TimeoutOrDefault()) * time.Second,
			ListenerAddress:      sc.ListenerAddressOrDefault(),
			ListenerPort:         sc.ListenerPort,
			RouteTableFilename:   sc.RouteTableFilename,
			RouteTableWorkingDir: sc.RouteTableWorkDir,
			ParentPID:            os.Getppid(),
			ParentPort:           sc.ParentPort,
			PID:                  os.Getpid(),
			TimeStarted:          time.Now().UTC(),
		}
		return router.New(cfg, table, directory, sessions, store, honeylog.Named(logger, "router")), nil
	case "SAPDispatcher":
		cfg := dispatcher.Config{
			Hostname:         sc.Hostname,
			SID:              sc.SID,
			ClientNo:         sc.ClientNo,
			SessionTitle:     sc.SessionTitle,
			DatabaseVersion:  sc.DatabaseVersion,
			KernelVersion:    sc.KernelVersion,
			KernelPatchLevel: sc.KernelPatchLevel,
			Timeout:          time.Duration(sc.TimeoutOrDefault()) * time.Second,
			ListenerAddress:  sc.ListenerAddressOrDefault(),
			ListenerPort:     sc.ListenerPort,
		}
		return dispatcher.New(cfg, sessions, honeylog.Named(logger, "dispatcher")), nil
	case "Forwarder":
		name := sc.Alias
		if name == "" {
			name = "Forwarder"
		}
		cfg := forwarder.Config{
			Name:            name,
			ListenerAddress: sc.ListenerAddressOrDefault(),
			ListenerPort:    sc.ListenerPort,
			TargetHost:      sc.TargetAddress,
			TargetPort:      sc.TargetPort,
			DialTimeout:      time.Duration(sc.TimeoutOrDefault()) * time.Second,
		}
		return forwarder.New(cfg, sessions, honeylog.Named(logger, name)), nil
	default:
		return nil, fmt.Errorf("unknown service tag %q", sc.Service)
	}
}

// buildSinks constructs one feed.Sink per enabled entry in cfg.Feeds, per
// spec.md 6's per-feed "feed" tag.
func buildSinks(cfg config.Config, logger *slog.Logger, logOpts honeylog.Options) ([]feed.Sink, error) {
	var sinks []feed.Sink
	for _, fc := range cfg.Feeds {
		if !fc.EnabledOrDefault() {
			continue
		}
		switch fc.Feed {
		case "ConsoleFeed":
			sinks = append(sinks, feed.NewConsoleFeed(honeylog.Named(logger, "feed.console")))
		case "LogFeed":
			sinks = append(sinks, feed.NewLogFeed(fc.LogFilename))
		case "DBFeed":
			sinks = append(sinks, feed.NewDBFeed(fc.DBEngine, "honeysap_events", honeylog.NewExternal(logOpts, "postgres")))
		case "BusFeed":
			sinks = append(sinks, feed.NewBusFeed(fc.FeedHost, honeylog.NewExternal(logOpts, "sqs")))
		default:
			return nil, fmt.Errorf("unknown feed tag %q", fc.Feed)
		}
	}
	return sinks, nil
}
