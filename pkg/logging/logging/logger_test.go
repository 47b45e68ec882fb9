package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextOr(t *testing.T) {
	fallback := zaptest.NewLogger(t)

	if got := FromContextOr(context.Background(), fallback); got != fallback {
		t.Fatalf("expected fallback logger for empty context")
	}

	stored := zap.NewNop()
	ctx := WithLogger(context.Background(), stored)
	if got := FromContextOr(ctx, fallback); got != stored {
		t.Fatalf("expected logger stored in context")
	}
}

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	ctx = WithFields(ctx, zap.String("fingerprint", "ncbiblast:abc"))
	L(ctx).Info("cache_decision")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["fingerprint"] != "ncbiblast:abc" {
		t.Fatalf("field not carried: %v", entries[0].ContextMap())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger(Options{Level: "warn"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Fatalf("info must be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.WarnLevel) {
		t.Fatalf("warn must be enabled at warn level")
	}
}
