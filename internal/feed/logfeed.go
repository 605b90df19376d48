package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/secureauth/honeysap/internal/session"
)

// LogFeed appends each event as one JSON line to a file, grounded on
// original_source's file-based feed configuration (eater_filename) and the
// teacher's general preference for JSONL-on-disk telemetry.
type LogFeed struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewLogFeed creates a sink that appends to the file at path, creating it
// (and any existing file is appended to, not truncated) on Setup.
func NewLogFeed(path string) *LogFeed {
	return &LogFeed{path: path}
}

func (f *LogFeed) Name() string { return "logfile" }

func (f *LogFeed) Setup(ctx context.Context) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("feed: open log file %q: %w", f.path, err)
	}
	f.file = file
	f.enc = json.NewEncoder(file)
	return nil
}

func (f *LogFeed) Stop(ctx context.Context) error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

func (f *LogFeed) Log(ctx context.Context, event session.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Encode(event); err != nil {
		return fmt.Errorf("feed: write log event: %w", err)
	}
	return nil
}

func (f *LogFeed) Consume(ctx context.Context, out chan<- session.Event) error {
	return fmt.Errorf("feed: log sink cannot be consumed")
}
