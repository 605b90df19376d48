package honeylog

import (
	"context"
	"log/slog"
	"testing"
)

func TestVerbosityLevelMapping(t *testing.T) {
	cases := []struct {
		v    Verbosity
		want slog.Level
	}{
		{Error, slog.LevelError},
		{Warning, slog.LevelWarn},
		{Info, slog.LevelInfo},
		{Debug, slog.LevelDebug},
	}
	for _, c := range cases {
		if got := c.v.Level(); got != c.want {
			t.Fatalf("Verbosity(%d).Level() = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestExternalLevelAttenuatesByDefault(t *testing.T) {
	opts := Options{Verbosity: Debug, ShowAllLogs: false}
	if got := ExternalLevel(opts); got != slog.LevelWarn {
		t.Fatalf("expected external logs attenuated to Warn, got %v", got)
	}
}

func TestExternalLevelShowAllLogsDisablesAttenuation(t *testing.T) {
	opts := Options{Verbosity: Debug, ShowAllLogs: true}
	if got := ExternalLevel(opts); got != slog.LevelDebug {
		t.Fatalf("expected external logs at full verbosity, got %v", got)
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	logger := New(Options{Verbosity: Info})
	ctx := WithContext(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Fatalf("expected FromContext to return the attached logger")
	}
}

func TestFromContextDefaultsWhenUnset(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected a non-nil default logger")
	}
}
