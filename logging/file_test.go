package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "new.log")
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("log file was not created")
		}
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "existing.log")
		if err := os.WriteFile(path, []byte("earlier session\n"), 0644); err != nil {
			t.Fatal(err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log("plc %s connected", "line1")
		logger.Close()

		content, _ := os.ReadFile(path)
		if !strings.Contains(string(content), "earlier session") || !strings.Contains(string(content), "plc line1 connected") {
			t.Errorf("unexpected content: %s", content)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log"); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLoggerAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	logger.Log("should not appear")
	if n, err := logger.Write([]byte("nor this\n")); err != nil || n != 9 {
		t.Errorf("Write after close = %d, %v", n, err)
	}

	content, _ := os.ReadFile(path)
	if len(content) != 0 {
		t.Errorf("wrote after close: %q", content)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				logger.Log("poll %d", n)
			} else {
				logger.Write([]byte("{\"poll\":1}\n"))
			}
		}(i)
	}
	wg.Wait()

	content, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var console bytes.Buffer

	logger, closer, err := New(Options{App: "adslink", Level: "warn", File: path, JSON: true, Out: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("plc", "line1").Msg("reconnecting")
	closer.Close()

	if strings.Contains(console.String(), "hidden") {
		t.Error("info logged at warn level")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(console.Bytes()), &entry); err != nil {
		t.Fatalf("console output is not one JSON line: %v (%q)", err, console.String())
	}
	if entry["app"] != "adslink" || entry["plc"] != "line1" || entry["message"] != "reconnecting" {
		t.Errorf("entry = %v", entry)
	}

	content, _ := os.ReadFile(path)
	if !strings.Contains(string(content), "reconnecting") {
		t.Errorf("file sink missed the entry: %q", content)
	}

	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
