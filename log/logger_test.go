package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test", WithOutput(&buf), WithLevel(Warn))

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("visible warning")
	logger.Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected messages below Warn to be dropped, got %q", out)
	}
	if !strings.Contains(out, "visible warning") || !strings.Contains(out, "visible error") {
		t.Errorf("Expected Warn and Error to pass, got %q", out)
	}
}

func TestNamedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := New("engine", WithOutput(&buf))
	child := logger.Named("sqlite")

	child.Info("opened")

	if !strings.Contains(buf.String(), "[engine/sqlite]") {
		t.Errorf("Expected component path engine/sqlite, got %q", buf.String())
	}
}

func TestJSONEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := New("engine", WithOutput(&buf), WithJSON())

	logger.Info("stored %d resources", 4)

	var entry struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected one JSON object per line, got %q: %v", buf.String(), err)
	}
	if entry.Level != "INFO" || entry.Component != "engine" || entry.Message != "stored 4 resources" {
		t.Errorf("Unexpected entry %+v", entry)
	}
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	logger := New("test", WithOutput(&buf))

	code := -1
	logger.exit = func(c int) { code = c }

	logger.Fatal("boom")
	if code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   Debug,
		"WARN":    Warn,
		"Error":   Error,
		"unknown": Info,
	}
	for input, expected := range cases {
		if got := Parse(input); got != expected {
			t.Errorf("Parse(%q) = %v, expected %v", input, got, expected)
		}
	}
}
