package logging

import (
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormat(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelDebug)

	logger.Info("container provisioned", "name", "dev-box", "port", 2222)

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line = %q, want INFO prefix", line)
	}
	if !strings.Contains(line, "container provisioned") {
		t.Fatalf("line = %q, want message", line)
	}
	if !strings.Contains(line, "name=dev-box") || !strings.Contains(line, "port=2222") {
		t.Fatalf("line = %q, want key=value attrs", line)
	}
}

func TestCLIHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, nil)

	logger.Info("msg", "error", "something went wrong")

	if !strings.Contains(buf.String(), `error="something went wrong"`) {
		t.Fatalf("line = %q, want quoted value", buf.String())
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("output %q contains a record below the level", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("output %q misses the warning record", out)
	}
}

func TestCLIHandlerGroups(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, nil).WithGroup("engine").With("kind", "docker")

	logger.Info("connected")

	if !strings.Contains(buf.String(), "engine.kind=docker") {
		t.Fatalf("line = %q, want grouped attr key", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"Warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("ParseLevel() expected an error for an unknown level")
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	if Ensure(nil) == nil {
		t.Fatal("Ensure(nil) returned nil")
	}
	logger := NewJSON(&strings.Builder{}, nil)
	if Ensure(logger) != logger {
		t.Fatal("Ensure() replaced a non-nil logger")
	}
}
