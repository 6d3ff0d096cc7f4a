package logging

import (
	"fmt"
	"testing"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) { c.record("DEBUG", format, args...) }
func (c *captureLogger) Info(format string, args ...any)  { c.record("INFO", format, args...) }
func (c *captureLogger) Warn(format string, args ...any)  { c.record("WARN", format, args...) }
func (c *captureLogger) Error(format string, args ...any) { c.record("ERROR", format, args...) }

func (c *captureLogger) record(level, format string, args ...any) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesNilInterface(t *testing.T) {
	t.Parallel()

	logger := OrNop(nil)
	logger.Info("must not panic")

	var typed *captureLogger
	logger = OrNop(typed)
	logger.Error("must not panic either")
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	t.Parallel()

	first := &captureLogger{}
	second := &captureLogger{}
	inner := Multi(first, second)
	outer := Multi(inner, nil)

	outer.Warn("disk %s", "full")

	if len(first.lines) != 1 || first.lines[0] != "WARN disk full" {
		t.Fatalf("first logger lines = %v", first.lines)
	}
	if len(second.lines) != 1 {
		t.Fatalf("second logger lines = %v", second.lines)
	}
}

func TestMultiCollapsesToSingle(t *testing.T) {
	t.Parallel()

	only := &captureLogger{}
	if got := Multi(nil, only); got != Logger(only) {
		t.Fatalf("Multi with one live logger should return it directly, got %T", got)
	}
	if got := Multi(); got == nil {
		t.Fatal("Multi() should return a nop logger, not nil")
	}
}
