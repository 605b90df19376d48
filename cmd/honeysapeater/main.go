// Command honeysapeater runs the honeypot in collector mode: it consumes
// events from a single configured remote feed sink (e.g. a bus queue fed by
// separate honeysap instances) and writes them to the configured outputs,
// per spec.md 4.C's "Consume (collector mode)". Grounded on the teacher's
// cmd/rigd/main.go flag-based, no-framework CLI style.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/secureauth/honeysap/internal/config"
	"github.com/secureauth/honeysap/internal/feed"
	"github.com/secureauth/honeysap/internal/honeylog"
	"github.com/secureauth/honeysap/internal/session"
)

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
		fmt.Fprintln(os.Stderr, "honeysapeater: -c <config> is required")
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
		fmt.Fprintf(os.Stderr, "honeysapeater: %v\n", err)
		os.Exit(1)
	}

	source, err := buildSource(cfg, logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeysapeater: %v\n", err)
		os.Exit(1)
	}

	writers, closeWriters, err := buildOutputs(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "honeysapeater: %v\n", err)
		os.Exit(1)
	}
	defer closeWriters()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("honeysapeater starting", "source", source.Name(), "outputs", len(writers))
	if err := feed.Consume(ctx, source, func(e session.Event) {
		emit(logger, writers, e)
	}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "honeysapeater: %v\n", err)
		os.Exit(1)
	}
}

// buildSource picks the first enabled BusFeed entry as the collector's event
// source, per spec.md 4.C; other feed kinds are not used as a source.
func buildSource(cfg config.Config, logOpts honeylog.Options) (feed.Sink, error) {
	for _, fc := range cfg.Feeds {
		if !fc.EnabledOrDefault() {
			continue
		}
		if fc.Feed == "BusFeed" {
			return feed.NewBusFeed(fc.FeedHost, honeylog.NewExternal(logOpts, "sqs")), nil
		}
	}
	return nil, fmt.Errorf("no collector-mode feed source configured (expected a BusFeed entry)")
}

// buildOutputs opens one writer per entry in cfg.EaterOutput ("stdout" or
// "file"), per spec.md 6's eater_output/eater_filename keys.
func buildOutputs(cfg config.Config) ([]*bufio.Writer, func(), error) {
	var files []*os.File
	var writers []*bufio.Writer
	for _, out := range cfg.EaterOutput {
		switch out {
		case "stdout":
			writers = append(writers, bufio.NewWriter(os.Stdout))
		case "file":
			f, err := os.OpenFile(cfg.EaterFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				for _, f := range files {
					f.Close()
				}
				return nil, nil, fmt.Errorf("open eater_filename %q: %w", cfg.EaterFilename, err)
			}
			files = append(files, f)
			writers = append(writers, bufio.NewWriter(f))
		default:
			return nil, nil, fmt.Errorf("unknown eater_output entry %q", out)
		}
	}
	return writers, func() {
		for _, w := range writers {
			w.Flush()
		}
		for _, f := range files {
			f.Close()
		}
	}, nil
}

// emit renders e as a single JSON line to every configured output, per
// spec.md 4.C ("the callback's exceptions are caught per-event").
func emit(logger *slog.Logger, writers []*bufio.Writer, e session.Event) {
	line, err := json.Marshal(e)
	if err != nil {
		logger.Error("honeysapeater: marshal event failed", "error", err)
		return
	}
	for _, w := range writers {
		w.Write(line)
		w.WriteByte('\n')
		w.Flush()
	}
}
