package subprocess

import (
	"context"
	"testing"
)

func TestPopen_Communicate_Tee(t *testing.T) {
	p, err := NewPopen(context.Background(), PopenOptions{
		Argv:   []string{"/usr/bin/tee", "/dev/stderr"},
		Stdin:  PIPE,
		Stdout: PIPE,
		Stderr: PIPE,
	})
	if err != nil {
		t.Fatalf("NewPopen() error: %v", err)
	}
	stdout, stderr, err := p.Communicate([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Communicate() error: %v", err)
	}
	if string(stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if string(stderr) != "hello\n" {
		t.Errorf("stderr = %q, want %q", stderr, "hello\n")
	}
}

func TestPopen_Communicate_Cat(t *testing.T) {
	p, err := NewPopen(context.Background(), PopenOptions{
		Argv:   []string{"/bin/cat"},
		Stdin:  PIPE,
		Stdout: PIPE,
	})
	if err != nil {
		t.Fatalf("NewPopen() error: %v", err)
	}
	stdout, _, err := p.Communicate([]byte("roundtrip"))
	if err != nil {
		t.Fatalf("Communicate() error: %v", err)
	}
	if string(stdout) != "roundtrip" {
		t.Errorf("stdout = %q, want %q", stdout, "roundtrip")
	}
}

func TestPopen_StderrSTDOUTRequiresStdoutPipe(t *testing.T) {
	_, err := NewPopen(context.Background(), PopenOptions{
		Argv:   []string{"/bin/true"},
		Stderr: STDOUT,
	})
	if err == nil {
		t.Error("stderr=STDOUT without stdout=PIPE should be rejected")
	}
}
