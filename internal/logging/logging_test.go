package logging_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"earshot/internal/logging"
	"earshot/internal/services"
)

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")
	logger, err := logging.New(logging.Options{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Info("hello", logging.String("component", "test"), logging.Int("n", 7))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"msg":"hello"`, `"component":"test"`, `"n":7`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line missing %s: %s", want, line)
		}
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")
	logger, err := logging.New(logging.Options{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("quiet")

	data, _ := os.ReadFile(logPath)
	if strings.Contains(string(data), "quiet") {
		t.Fatal("debug line leaked at info level")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := services.WithQueue(services.WithMessageID(context.Background(), 9), "email_send")
	fields := logging.ContextFields(ctx)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}

	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")
	logger, err := logging.New(logging.Options{Format: "json", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.WithContext(ctx, logger).Info("claimed")

	data, _ := os.ReadFile(logPath)
	line := string(data)
	if !strings.Contains(line, `"message_id":9`) || !strings.Contains(line, `"queue":"email_send"`) {
		t.Fatalf("context fields missing: %s", line)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	// Must not panic and must report disabled at every level.
	logger.Info("discarded")
	if logger.Enabled(context.Background(), 0) {
		t.Fatal("nop logger should be disabled")
	}
}
