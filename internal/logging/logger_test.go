package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/internal/logging"
)

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := logging.New(logging.Options{Format: "xml"})
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	logger, err := logging.New(logging.Options{
		Format:      "json",
		Level:       "info",
		OutputPaths: []string{path},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hello", logging.String("key", "value"))

	// The handler creates missing directories and the file itself; content
	// shape is covered below through an in-memory writer.
	info, statErr := os.Stat(path)
	if statErr != nil {
		t.Fatalf("stat log file: %v", statErr)
	}
	if info.Size() == 0 {
		t.Fatal("expected log output to be written")
	}
}

func TestConsoleHandlerRendersComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	handler := logging.NewConsoleHandlerForTest(&buf)
	logger := slog.New(handler)

	logging.NewComponentLogger(logger, "queue").Info("task claimed",
		logging.String(logging.FieldTaskID, "abc"))

	line := buf.String()
	if !strings.Contains(line, "queue: task claimed") {
		t.Fatalf("expected component prefix in output, got %q", line)
	}
	if !strings.Contains(line, "task_id=abc") {
		t.Fatalf("expected attribute in output, got %q", line)
	}
}

func TestJSONOutputShape(t *testing.T) {
	var buf bytes.Buffer
	handler := logging.NewJSONHandlerForTest(&buf)
	logger := slog.New(handler)

	logger.Warn("drain deadline exceeded", logging.Int("running_tasks", 2))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["msg"] != "drain deadline exceeded" {
		t.Fatalf("unexpected msg: %v", record["msg"])
	}
	if record["level"] != "warn" {
		t.Fatalf("unexpected level: %v", record["level"])
	}
	if record["running_tasks"] != float64(2) {
		t.Fatalf("unexpected attribute: %v", record["running_tasks"])
	}
}
