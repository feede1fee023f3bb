package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", Component: "core", JSONFormat: true}, &buf)

	l.Debug().Msg("hidden")
	l.Info().Str("symbol", "ABCUSDT").Msg("detected")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line (debug filtered), got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %v", err)
	}
	if entry["component"] != "core" {
		t.Errorf("Expected component core, got %v", entry["component"])
	}
	if entry["symbol"] != "ABCUSDT" {
		t.Errorf("Expected symbol ABCUSDT, got %v", entry["symbol"])
	}
}

func TestExchangeAPIContextRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "info", JSONFormat: true}, &buf)

	reqLogger := ExchangeAPIContext(l, "/api/v3/order", map[string]string{
		"symbol":    "ABCUSDT",
		"signature": "deadbeef",
		"apiKey":    "key",
	})
	reqLogger.Info().Msg("request")

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "\"apiKey\"") {
		t.Errorf("Expected credentials to be omitted, got %s", out)
	}
	if !strings.Contains(out, "ABCUSDT") {
		t.Errorf("Expected symbol in output, got %s", out)
	}
}

func TestTraceContext(t *testing.T) {
	ctx, _ := WithTraceContext(context.Background(), Nop())
	if TraceID(ctx) == "" {
		t.Error("Expected trace ID in context")
	}
	if TraceID(context.Background()) != "" {
		t.Error("Expected empty trace ID for bare context")
	}
}
