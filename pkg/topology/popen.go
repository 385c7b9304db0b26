package topology

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Redirect is the sentinel accepted by PopenOptions' stream fields, mirroring
// pkg/subprocess.Redirect but for a child running inside a node's namespace,
// where the redirection target is a pipe whose fd crosses the control
// connection via SCM_RIGHTS rather than a local *os.File.
type Redirect int

const (
	// Inherit leaves the stream unconnected; the slave's fork/exec gives the
	// child /dev/null on that fd, since there is no meaningful terminal to
	// share across the control connection.
	Inherit Redirect = iota
	// PIPE allocates a host-side pipe; Popen exposes the parent end as
	// Stdin/Stdout/Stderr.
	PIPE
	// STDOUT is valid only for Stderr and merges it onto Stdout's pipe.
	STDOUT
)

// PopenOptions configures a child started inside a node's namespace.
type PopenOptions struct {
	Env       []string
	Dir       string
	RunAsUser string
	Stdin     Redirect
	Stdout    Redirect
	Stderr    Redirect
}

// Popen layers PIPE/STDOUT redirection over RemoteProcess, the node
// equivalent of pkg/subprocess.Popen.
type Popen struct {
	*RemoteProcess
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// NewPopen runs argv inside the node's namespace with the requested stream
// redirections, driving the PROC CRTE/USER/CWD/ENV/SIN/SOUT/SERR/RUN
// sequence over the control connection. Host-side pipe ends handed to the
// slave are closed locally right after the send, since the slave now holds
// the only remaining reference to them.
func (n *Node) NewPopen(ctx context.Context, argv []string, opts PopenOptions) (*Popen, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, nemuutil.NewConfigError("argv", "", "must not be empty")
	}
	if opts.Stderr == STDOUT && opts.Stdout != PIPE {
		return nil, nemuutil.NewConfigError("stderr", "STDOUT", "requires stdout=PIPE")
	}

	if _, err := n.client.call(append([]string{"PROC", "CRTE"}, argv...)...); err != nil {
		return nil, err
	}
	abort := func(err error) (*Popen, error) {
		n.client.call("PROC", "ABRT")
		return nil, err
	}

	if opts.RunAsUser != "" {
		if _, err := n.client.call("PROC", "USER", opts.RunAsUser); err != nil {
			return abort(err)
		}
	}
	if opts.Dir != "" {
		if _, err := n.client.call("PROC", "CWD", opts.Dir); err != nil {
			return abort(err)
		}
	}
	if env := append(append([]string{}, opts.Env...), n.x11Env()...); len(env) > 0 {
		tokens := []string{"PROC", "ENV"}
		for _, kv := range env {
			k, v := splitEnv(kv)
			tokens = append(tokens, k, v)
		}
		if _, err := n.client.call(tokens...); err != nil {
			return abort(err)
		}
	}

	p := &Popen{}
	var cleanup []*os.File

	if opts.Stdin == PIPE {
		r, w, err := os.Pipe()
		if err != nil {
			return abort(err)
		}
		if _, err := n.client.callProcSendFD("SIN", r); err != nil {
			r.Close()
			w.Close()
			return abort(err)
		}
		p.Stdin = w
		cleanup = append(cleanup, r)
	}
	if opts.Stdout == PIPE {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(cleanup)
			return abort(err)
		}
		if _, err := n.client.callProcSendFD("SOUT", w); err != nil {
			r.Close()
			w.Close()
			closeAll(cleanup)
			return abort(err)
		}
		p.Stdout = r
		cleanup = append(cleanup, w)
		if opts.Stderr == STDOUT {
			if _, err := n.client.callProcSendFD("SERR", w); err != nil {
				closeAll(cleanup)
				return abort(err)
			}
		}
	}
	if opts.Stderr == PIPE {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(cleanup)
			return abort(err)
		}
		if _, err := n.client.callProcSendFD("SERR", w); err != nil {
			r.Close()
			w.Close()
			closeAll(cleanup)
			return abort(err)
		}
		p.Stderr = r
		cleanup = append(cleanup, w)
	}

	reply, err := n.client.call("PROC", "RUN")
	closeAll(cleanup)
	if err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(reply.Text()))
	if err != nil {
		return nil, nemuutil.NewProtocolError("malformed PROC RUN pid reply " + reply.Text())
	}
	p.RemoteProcess = &RemoteProcess{node: n, pid: pid}
	return p, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func splitEnv(kv string) (key, value string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// Communicate writes input to the child's stdin (if piped), then reads
// stdout and stderr concurrently until both close and the child exits,
// raising if the exit code is non-zero.
func (p *Popen) Communicate(ctx context.Context, input string) (stdout, stderr string, err error) {
	var stdinErr error
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		if p.Stdin == nil {
			return
		}
		if input != "" {
			_, stdinErr = p.Stdin.Write([]byte(input))
		}
		if cerr := p.Stdin.Close(); stdinErr == nil {
			stdinErr = cerr
		}
	}()

	var outErr, errErr error
	var outBuf, errBuf []byte
	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go func() {
		defer close(outDone)
		if p.Stdout != nil {
			outBuf, outErr = io.ReadAll(p.Stdout)
		}
	}()
	go func() {
		defer close(errDone)
		if p.Stderr != nil {
			errBuf, errErr = io.ReadAll(p.Stderr)
		}
	}()

	<-stdinDone
	<-outDone
	<-errDone

	rc, waitErr := p.Wait()
	stdout, stderr = string(outBuf), string(errBuf)
	if waitErr != nil {
		return stdout, stderr, waitErr
	}
	if rc != 0 {
		return stdout, stderr, nemuutil.NewKernelError(nil, rc, "non-zero exit")
	}
	if err := firstNonNil(stdinErr, outErr, errErr); err != nil {
		return stdout, stderr, err
	}
	return stdout, stderr, nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
