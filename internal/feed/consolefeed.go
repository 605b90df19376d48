package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/secureauth/honeysap/internal/session"
)

// ConsoleFeed writes every event to a structured logger, grounded on
// original_source/honeysap/feeds/consolefeed.py's stdout-stream-handler
// sink. It cannot be used in collector mode.
type ConsoleFeed struct {
	logger *slog.Logger
}

// NewConsoleFeed creates a console sink that writes through logger.
func NewConsoleFeed(logger *slog.Logger) *ConsoleFeed {
	return &ConsoleFeed{logger: logger}
}

func (c *ConsoleFeed) Name() string { return "console" }

func (c *ConsoleFeed) Setup(ctx context.Context) error {
	c.logger.Info("starting console feed")
	return nil
}

func (c *ConsoleFeed) Stop(ctx context.Context) error {
	c.logger.Info("stopping console feed")
	return nil
}

func (c *ConsoleFeed) Log(ctx context.Context, event session.Event) error {
	c.logger.Log(ctx, levelEvent, "event", "kind", event.Kind, "session", event.Session().ID, "data", event.Data)
	return nil
}

func (c *ConsoleFeed) Consume(ctx context.Context, out chan<- session.Event) error {
	return fmt.Errorf("feed: console sink cannot be consumed")
}

// levelEvent is a custom slog level between Info and Warn, mirroring the
// Python sink's dedicated EVENT log level (9, between NOTSET and DEBUG in
// that library's inverted scale).
const levelEvent = slog.Level(2)
