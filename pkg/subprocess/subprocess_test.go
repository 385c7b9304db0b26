package subprocess

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestNew_RunsAndExits(t *testing.T) {
	sp, err := New(context.Background(), Options{Argv: []string{"/bin/true"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	code, err := sp.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestNew_NonZeroExit(t *testing.T) {
	sp, err := New(context.Background(), Options{Argv: []string{"/bin/false"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	code, err := sp.Wait()
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestNew_EmptyArgvRejected(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Error("New() with empty argv should error")
	}
}

func TestPoll_NilWhileRunning(t *testing.T) {
	sp, err := New(context.Background(), Options{Argv: []string{"/bin/sleep", "1"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if rc := sp.Poll(); rc != nil {
		t.Errorf("Poll() = %v immediately after start, want nil", *rc)
	}
	sp.Wait()
}

func TestSignal_Term(t *testing.T) {
	sp, err := New(context.Background(), Options{Argv: []string{"/bin/sleep", "30"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := sp.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal() error: %v", err)
	}
	code, exited := sp.WaitTimeout(3 * time.Second)
	if !exited {
		t.Fatal("process did not exit after SIGTERM within timeout")
	}
	if code != -int(syscall.SIGTERM) {
		t.Errorf("returncode = %d, want %d (negative signal encoding)", code, -int(syscall.SIGTERM))
	}
}

func TestDestroy_EscalatesToKill(t *testing.T) {
	// A process that ignores SIGTERM (via a shell trap) to exercise the
	// SIGKILL escalation path.
	sp, err := New(context.Background(), Options{Argv: []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	start := time.Now()
	sp.Destroy()
	if elapsed := time.Since(start); elapsed > destroyGrace+2*time.Second {
		t.Errorf("Destroy() took %v, want close to %v", elapsed, destroyGrace)
	}
	if rc := sp.Poll(); rc == nil {
		t.Error("process should be reaped after Destroy()")
	}
}
