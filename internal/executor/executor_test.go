package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

func newTestExecutor(t *testing.T) (Executor, *StaticResolver, *MemLogSink) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	resolver := NewStaticResolver()
	resolver.Register("true", "true")
	resolver.Register("false", "false")
	resolver.Register("sleep1", "sh", "-c", "sleep 1")
	sink := NewMemLogSink()
	return New(resolver, sink, log), resolver, sink
}

func TestRun_CleanExitZero(t *testing.T) {
	exe, _, _ := newTestExecutor(t)
	out, err := exe.Run(context.Background(), "run-1", 1, "true", json.RawMessage(`{}`), 5*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ExitCode != 0 || out.TimedOut || out.Canceled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.LogRef == "" {
		t.Fatal("expected a log_ref to be written")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	exe, _, _ := newTestExecutor(t)
	out, err := exe.Run(context.Background(), "run-2", 1, "false", json.RawMessage(`{}`), 5*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ExitCode == 0 {
		t.Fatal("expected non-zero exit code")
	}
}

func TestRun_UnregisteredCommand(t *testing.T) {
	exe, _, _ := newTestExecutor(t)
	if _, err := exe.Run(context.Background(), "run-3", 1, "nope", json.RawMessage(`{}`), time.Second); err == nil {
		t.Fatal("expected error for an unregistered command")
	}
}

func TestRun_TimeoutEscalatesToTermination(t *testing.T) {
	exe, _, _ := newTestExecutor(t)
	start := time.Now()
	out, err := exe.Run(context.Background(), "run-4", 1, "sleep1", json.RawMessage(`{}`), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.TimedOut {
		t.Fatalf("expected TimedOut, got %+v", out)
	}
	if time.Since(start) > killGrace+2*time.Second {
		t.Fatalf("took too long to terminate: %v", time.Since(start))
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	exe, _, _ := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out, err := exe.Run(ctx, "run-5", 1, "sleep1", json.RawMessage(`{}`), 10*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Canceled {
		t.Fatalf("expected Canceled, got %+v", out)
	}
}
