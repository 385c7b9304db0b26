package environment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Execute runs argv, discarding stdout, and returns a *nemuutil.KernelError
// wrapping the captured stderr if the process exits non-zero. This is the
// "silent success, raise on non-zero" executor.
func Execute(ctx context.Context, argv []string) error {
	_, err := run(ctx, argv, false)
	return err
}

// Backticks runs argv and returns its captured stdout. A non-zero exit is
// reported the same way as Execute.
func Backticks(ctx context.Context, argv []string) (string, error) {
	return run(ctx, argv, true)
}

// BackticksRaise is identical to Backticks; it is kept as a distinct,
// separately named function (rather than a boolean on Backticks) because
// the per-node API exposes backticks and backticks_raise as two separate
// methods.
func BackticksRaise(ctx context.Context, argv []string) (string, error) {
	return run(ctx, argv, true)
}

func run(ctx context.Context, argv []string, captureStdout bool) (string, error) {
	if len(argv) == 0 {
		return "", nemuutil.NewConfigError("argv", "", "empty command")
	}

	var stdout, stderr bytes.Buffer
	var out io.Writer = io.Discard
	if captureStdout {
		out = &stdout
	}

	var lastErr error
	for attempt := 0; attempt < maxEINTRRetries; attempt++ {
		stdout.Reset()
		stderr.Reset()

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = out
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return stdout.String(), nil
		}

		if isEINTR(err) {
			lastErr = err
			continue
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", nemuutil.NewKernelError(argv, exitErr.ExitCode(), stderr.String())
		}
		return "", nemuutil.NewKernelError(argv, -1, err.Error())
	}
	return "", nemuutil.NewKernelError(argv, -1, "interrupted by EINTR "+lastErr.Error()+" (retries exhausted)")
}

// maxEINTRRetries bounds the EINTR retry loop so a persistently-interrupted
// syscall can't spin forever.
const maxEINTRRetries = 32

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
