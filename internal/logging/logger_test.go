package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "debug level", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
		{name: "error level", config: &Config{Level: LevelError, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should be filtered")
	logger.Info("should also be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below the configured level, got: %s", buf.String())
	}

	logger.Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message in output, got: %s", buf.String())
	}
}

func TestWithPETagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	peLogger := logger.WithPE(3)
	peLogger.Info("heap mapped")

	output := buf.String()
	if !strings.Contains(output, "pe=3") {
		t.Errorf("expected pe=3 in output, got: %s", output)
	}
	if !strings.Contains(output, "heap mapped") {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestWithPEDerivedLoggersShareLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelError, Output: &buf})

	peLogger := logger.WithPE(0)
	peLogger.Info("filtered by the shared level")
	if buf.Len() != 0 {
		t.Errorf("expected derived logger to honor the parent's level, got: %s", buf.String())
	}

	peLogger.Error("not filtered")
	if !strings.Contains(buf.String(), "pe=0") {
		t.Errorf("expected pe=0 in output, got: %s", buf.String())
	}
}

func TestDistinctPELoggersTagIndependently(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.WithPE(1).Info("from one")
	logger.WithPE(2).Info("from two")

	output := buf.String()
	if !strings.Contains(output, "pe=1") || !strings.Contains(output, "pe=2") {
		t.Errorf("expected both pe=1 and pe=2 tags in output, got: %s", output)
	}
}

func TestFormatArgsPairsKeysAndValues(t *testing.T) {
	got := formatArgs([]any{"key", "value", "n", 5})
	if !strings.Contains(got, "key=value") || !strings.Contains(got, "n=5") {
		t.Errorf("expected both pairs formatted, got: %s", got)
	}

	if formatArgs(nil) != "" {
		t.Errorf("expected empty string for no args, got: %q", formatArgs(nil))
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{
		Level:  LevelDebug,
		Output: &buf,
	}

	SetDefault(NewLogger(config))

	// Test debug message (should appear since we set LevelDebug)
	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	// Test info message
	buf.Reset()
	Info("info message")
	output = buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("Expected info message, got: %s", output)
	}

	// Test warn message
	buf.Reset()
	Warn("warning message")
	output = buf.String()
	if !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning message, got: %s", output)
	}

	// Test error message
	buf.Reset()
	Error("error message")
	output = buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("Expected error message, got: %s", output)
	}
}
