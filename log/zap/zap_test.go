package zap

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/querycache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFieldsAndLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Warn("storage error", querycache.Fields{"err": errors.New("boom"), "cache": "main", "result": querycache.NotFound})
	l.Debug("noise", nil)

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.LoggerName != "querycache" {
		t.Fatalf("unexpected entry: %+v", e.Entry)
	}
	m := e.ContextMap()
	if m["cache"] != "main" || m["err"] != "boom" || m["result"] != "NOT_FOUND" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if e.Context[0].Key != "cache" || e.Context[2].Key != "result" {
		t.Fatalf("fields not sorted: %v", e.Context)
	}
}
