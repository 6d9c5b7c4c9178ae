package logger

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeOne(t *testing.T, ent zapcore.Entry, fields []zapcore.Field) string {
	t.Helper()
	enc := newMinimalEncoder()
	buf, err := enc.EncodeEntry(ent, fields)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}
	return buf.String()
}

func TestEncodeEntry_InfoHidesLevel(t *testing.T) {
	out := encodeOne(t, zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Date(2026, 1, 2, 13, 4, 35, 0, time.UTC),
		Message: "Cycle complete",
	}, nil)

	if strings.Contains(out, "INFO") {
		t.Errorf("info entries should not render a level tag, got %q", out)
	}
	if !strings.Contains(out, "13:04:35") {
		t.Errorf("expected timestamp in output, got %q", out)
	}
	if !strings.Contains(out, "Cycle complete") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestEncodeEntry_WarnShowsLevel(t *testing.T) {
	out := encodeOne(t, zapcore.Entry{
		Level:   zapcore.WarnLevel,
		Time:    time.Now(),
		Message: "Document sync timed out",
	}, nil)

	if !strings.Contains(out, "WARN") {
		t.Errorf("warn entries should render a level tag, got %q", out)
	}
}

func TestEncodeEntry_Fields(t *testing.T) {
	out := encodeOne(t, zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Now(),
		Message: "Batch settled",
	}, []zapcore.Field{
		zap.String("doc_id", "doc-42"),
		zap.Int("synced", 5),
	})

	if !strings.Contains(out, "doc-42") {
		t.Errorf("expected doc id value in output, got %q", out)
	}
	if !strings.Contains(out, "synced=") || !strings.Contains(out, "5") {
		t.Errorf("expected counter field in output, got %q", out)
	}
}

func TestAbbreviateName(t *testing.T) {
	if got := abbreviateName("engine"); got != "engine" {
		t.Errorf("abbreviateName(engine) = %q", got)
	}
	if got := abbreviateName("engine.sync"); got != "e.sync" {
		t.Errorf("abbreviateName(engine.sync) = %q", got)
	}
}
