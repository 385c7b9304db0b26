package subprocess

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Redirect is the sentinel type accepted by PopenOptions' stream fields.
// PIPE requests a host-side pipe whose child end is the redirection
// target and whose parent end becomes a buffered stream; STDOUT (valid
// only for Stderr) duplicates stdout's target onto stderr.
type Redirect int

const (
	// Inherit requests no redirection: the child gets /dev/null on that fd.
	Inherit Redirect = iota
	// PIPE allocates a pipe; Popen exposes the parent end as Stdin/Stdout/Stderr.
	PIPE
	// STDOUT is valid only for Stderr and merges it onto Stdout's target.
	STDOUT
)

// PopenOptions mirrors Options but with Redirect sentinels instead of raw fds.
type PopenOptions struct {
	Argv      []string
	Env       []string
	Dir       string
	RunAsUser string
	Stdin     Redirect
	Stdout    Redirect
	Stderr    Redirect
}

// Popen layers PIPE/STDOUT redirection over Subprocess.
type Popen struct {
	*Subprocess
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// NewPopen starts a child with the requested stream redirections. Piped-fd
// resources are closed in the parent immediately after fork/start, since
// the child holds the only remaining reference to its end.
func NewPopen(ctx context.Context, opts PopenOptions) (*Popen, error) {
	if opts.Stderr == STDOUT && opts.Stdout != PIPE {
		return nil, fmt.Errorf("nemu: popen: stderr=STDOUT requires stdout=PIPE")
	}

	o := Options{Argv: opts.Argv, Env: opts.Env, Dir: opts.Dir, RunAsUser: opts.RunAsUser}
	p := &Popen{}

	var childStdin, childStdout, childStderr *os.File
	var parentCleanup []func() error

	if opts.Stdin == PIPE {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("nemu: popen: stdin pipe: %w", err)
		}
		childStdin = r
		p.Stdin = w
		parentCleanup = append(parentCleanup, r.Close)
	}
	if opts.Stdout == PIPE {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("nemu: popen: stdout pipe: %w", err)
		}
		childStdout = w
		p.Stdout = r
		parentCleanup = append(parentCleanup, w.Close)
	}
	switch opts.Stderr {
	case PIPE:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("nemu: popen: stderr pipe: %w", err)
		}
		childStderr = w
		p.Stderr = r
		parentCleanup = append(parentCleanup, w.Close)
	case STDOUT:
		childStderr = childStdout
	}

	o.Stdin = childStdin
	o.Stdout = childStdout
	o.Stderr = childStderr

	sp, err := New(ctx, o)
	for _, cleanup := range parentCleanup {
		cleanup()
	}
	if err != nil {
		return nil, err
	}
	p.Subprocess = sp
	return p, nil
}

// Communicate writes input to the child's stdin (if piped), then reads
// stdout and stderr concurrently until both close and the child exits.
// Expressed in Go as three goroutines joined by done channels instead of
// a manual select/poll loop over raw fds.
func (p *Popen) Communicate(input []byte) (stdout, stderr []byte, err error) {
	var stdinErr error
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		if p.Stdin == nil {
			return
		}
		if len(input) > 0 {
			_, stdinErr = p.Stdin.Write(input)
		}
		stdinErr2 := p.Stdin.Close()
		if stdinErr == nil {
			stdinErr = stdinErr2
		}
	}()

	var outErr, errErr error
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go func() {
		defer close(outDone)
		if p.Stdout != nil {
			stdout, outErr = io.ReadAll(p.Stdout)
		}
	}()
	go func() {
		defer close(errDone)
		if p.Stderr != nil {
			stderr, errErr = io.ReadAll(p.Stderr)
		}
	}()

	<-stdinDone
	<-outDone
	<-errDone

	if _, waitErr := p.Wait(); waitErr != nil {
		err = waitErr
	}
	if err == nil {
		err = firstNonNil(stdinErr, outErr, errErr)
	}
	return stdout, stderr, err
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
