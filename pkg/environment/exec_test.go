package environment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

func TestExecute_Success(t *testing.T) {
	if err := Execute(context.Background(), []string{"/bin/true"}); err != nil {
		t.Errorf("Execute(/bin/true) = %v, want nil", err)
	}
}

func TestExecute_NonZeroCarriesStderr(t *testing.T) {
	err := Execute(context.Background(), []string{"/bin/sh", "-c", "echo boom >&2; exit 3"})
	if err == nil {
		t.Fatal("Execute should error on non-zero exit")
	}
	var ke *nemuutil.KernelError
	if !errors.As(err, &ke) {
		t.Fatalf("error type = %T, want *nemuutil.KernelError", err)
	}
	if ke.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", ke.ExitCode)
	}
	if !strings.Contains(ke.Stderr, "boom") {
		t.Errorf("Stderr = %q, want captured 'boom'", ke.Stderr)
	}
}

func TestBackticks_CapturesStdout(t *testing.T) {
	out, err := Backticks(context.Background(), []string{"/bin/echo", "hello"})
	if err != nil {
		t.Fatalf("Backticks error: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}
}

func TestExecute_EmptyArgvRejected(t *testing.T) {
	err := Execute(context.Background(), nil)
	if !errors.Is(err, nemuutil.ErrConfig) {
		t.Errorf("empty argv error = %v, want a ConfigError", err)
	}
}

func TestFindBinary_ExtraDirs(t *testing.T) {
	dir := t.TempDir()
	// An executable that exists only in the extra directory.
	path := dir + "/nemu-test-tool"
	if err := writeExecutable(path); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	got, ok := findBinary("nemu-test-tool", []string{dir})
	if !ok || got != path {
		t.Errorf("findBinary = %q,%v want %q,true", got, ok, path)
	}
	if _, ok := findBinary("definitely-not-present-anywhere", nil); ok {
		t.Error("findBinary should miss a nonexistent binary")
	}
}
