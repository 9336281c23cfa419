package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Errorf("levelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewLoggerTo(&buf, "info"), "ledger")
	log.Debug("hidden")
	log.Info("recorded", "tx_id", "t1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "ledger" || line["tx_id"] != "t1" || line["msg"] != "recorded" {
		t.Fatalf("unexpected log line %v", line)
	}
}
