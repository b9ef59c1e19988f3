package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("debug", "json", &buf)

	logger := Logger("kb.pipeline")
	LogEvent(logger, EventFileIndexed, map[string]interface{}{"chunks": 3})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "kb.pipeline" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["event"] != EventFileIndexed {
		t.Errorf("event = %v", entry["event"])
	}
	if entry["chunks"] != float64(3) {
		t.Errorf("chunks = %v", entry["chunks"])
	}
}

func TestLogWarnEvent_Level(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("info", "json", &buf)

	LogWarnEvent(Logger("kb.store"), EventStoreDegraded, errors.New("read-only"), nil)

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) {
		t.Errorf("expected warn level: %s", out)
	}
	if !strings.Contains(out, "read-only") {
		t.Errorf("expected error text: %s", out)
	}
}

func TestSetupLogging_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("warn", "json", &buf)

	logger := Logger("x")
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level: %s", buf.String())
	}
	SetupLogging("info", "json", &buf)
}

func TestSanitizeForLog(t *testing.T) {
	out := SanitizeForLog(map[string]interface{}{
		"redis_password": "hunter2",
		"category":       "history",
	})
	if out["redis_password"] != "[REDACTED]" {
		t.Error("password should be redacted")
	}
	if out["category"] != "history" {
		t.Error("non-sensitive keys should pass through")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.FileIndexed("history")
	m.FileSkipped("E_LOAD_FAILED")
	m.ObserveEmbed(time.Second)
	m.SetStoreDegraded(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler should 404, got %d", rec.Code)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.FileIndexed("history")
	m.FileIndexed("history")
	m.FileSkipped("E_LOAD_FAILED")
	m.MirrorFailed()
	m.SetStoreDegraded(true)

	if got := testutil.ToFloat64(m.filesIndexed.WithLabelValues("history")); got != 2 {
		t.Errorf("files indexed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.mirrorFailures); got != 1 {
		t.Errorf("mirror failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.storeDegraded); got != 1 {
		t.Errorf("store degraded = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "kbchat_files_indexed_total") {
		t.Error("exposition should include kbchat_files_indexed_total")
	}
}
