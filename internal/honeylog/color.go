package honeylog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// colorHandler is a minimal ANSI-colorized slog.Handler selected by
// --colored-console, grounded on original_source/honeysap/core/logger.py's
// colored_formatter (level-based ANSI color codes on a StreamHandler).
type colorHandler struct {
	inner slog.Handler
	out   io.Writer
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{
		inner: slog.NewTextHandler(w, opts),
		out:   w,
	}
}

func (h *colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	fmt.Fprint(h.out, levelColor(r.Level))
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	fmt.Fprint(h.out, "\x1b[0m")
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{inner: h.inner.WithGroup(name), out: h.out}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m" // red
	case level >= slog.LevelWarn:
		return "\x1b[33m" // yellow
	case level >= slog.LevelInfo:
		return "\x1b[36m" // cyan
	default:
		return "\x1b[90m" // gray
	}
}
