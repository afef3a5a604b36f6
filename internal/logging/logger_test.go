package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		CloseAll()
		configMu.Lock()
		settings = Settings{}
		logsDir = ""
		logLevel = LevelInfo
		configMu.Unlock()
	})
}

// TestAllCategoriesLog tests that all categories create log files when debug mode is on
func TestAllCategoriesLog(t *testing.T) {
	resetLogging(t)
	logsPath := filepath.Join(t.TempDir(), ".moose", "logs")

	if err := Initialize(logsPath, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryTasks,
		CategoryTactile,
		CategoryLocalDB,
		CategoryCerts,
		CategoryEnviron,
		CategoryWatch,
	}

	for _, cat := range categories {
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	Tasks("Convenience tasks log")
	TactileDebug("Convenience tactile log")
	LocalDB("Convenience localdb log")
	Certs("Convenience certs log")
	EnvironDebug("Convenience environ log")
	Watch("Convenience watch log")

	CloseAll()

	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				continue
			}
			found = true
			content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
			if err != nil {
				t.Errorf("Failed to read log file for %s: %v", cat, err)
				continue
			}
			if !strings.Contains(string(content), "[DEBUG]") {
				t.Errorf("Log file for %s missing debug line: %s", cat, content)
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug mode is off
func TestDebugModeDisabled(t *testing.T) {
	resetLogging(t)
	logsPath := filepath.Join(t.TempDir(), "logs")

	if err := Initialize(logsPath, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryTasks).Error("should not be written")
	Tasks("nor this")

	if _, err := os.Stat(logsPath); !os.IsNotExist(err) {
		t.Fatalf("logs directory should not exist in production mode, stat err=%v", err)
	}
}

func TestCategoryFilter(t *testing.T) {
	resetLogging(t)
	logsPath := t.TempDir()

	err := Initialize(logsPath, Settings{
		DebugMode:  true,
		Categories: map[string]bool{"watch": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryWatch) {
		t.Error("watch category should be disabled")
	}
	if !IsCategoryEnabled(CategoryTasks) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogging(t)
	logsPath := t.TempDir()

	if err := Initialize(logsPath, Settings{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	l := Get(CategoryCerts)
	l.Debug("hidden debug")
	l.Info("hidden info")
	l.Warn("visible warn")
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(logsPath, "*_certs.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one certs log, got %v", matches)
	}
	content, _ := os.ReadFile(matches[0])
	if strings.Contains(string(content), "hidden") {
		t.Errorf("messages below warn leaked: %s", content)
	}
	if !strings.Contains(string(content), "visible warn") {
		t.Errorf("warn message missing: %s", content)
	}
}

func TestJSONFormat(t *testing.T) {
	resetLogging(t)
	logsPath := t.TempDir()

	if err := Initialize(logsPath, Settings{DebugMode: true, Level: "info", JSONFormat: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryTasks).StructuredLog("info", "task finished", map[string]interface{}{"task": "build"})
	CloseAll()

	matches, _ := filepath.Glob(filepath.Join(logsPath, "*_tasks.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one tasks log, got %v", matches)
	}
	content, _ := os.ReadFile(matches[0])

	// Strip the log.Logger timestamp prefix before decoding.
	line := strings.TrimSpace(string(content))
	line = line[strings.Index(line, "{"):]

	var entry StructuredLogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", line, err)
	}
	if entry.Category != "tasks" || entry.Message != "task finished" || entry.Fields["task"] != "build" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestTimer(t *testing.T) {
	timer := StartTimer(CategoryTactile, "noop")
	if d := timer.Stop(); d < 0 {
		t.Fatalf("negative duration: %v", d)
	}
}
