// Package subprocess is the slave-side child process engine: fork+exec
// with optional user switching and fd plumbing, a Subprocess wrapper
// offering poll/wait/signal, and a Popen layer with PIPE/STDOUT
// redirection sentinels plus a goroutine-based Communicate.
//
// Child creation leans on os/exec's Cmd.Start, which already implements
// the "control pipe" pattern internally (the runtime's forkExec sets up a
// close-on-exec pipe and synchronously reports any failure between fork
// and exec back to the parent as a regular Go error), so unlike a
// hand-rolled raw fork(2)/exec(2), pre-exec errors already surface to the
// caller of Start without nemu reinventing that plumbing. Children run in
// their own process group (Setpgid), and Destroy sends SIGTERM, then
// SIGKILL after a grace period.
package subprocess

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// destroyGrace is how long Destroy waits after SIGTERM before escalating to
// SIGKILL.
const destroyGrace = 3 * time.Second

// Options configures a new child process.
type Options struct {
	Argv       []string
	Env        []string // nil = inherit host environment
	Dir        string   // "" = inherit cwd
	RunAsUser  string   // "" = no uid/gid switch
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	ExtraFiles []*os.File
	// Unshare, if non-zero, is passed as the child's unshare(2) clone
	// flags (e.g. syscall.CLONE_NEWNET), applied by the runtime between
	// fork and exec. Used to give a node's slave process its own network
	// namespace before it execs.
	Unshare uintptr
}

// Subprocess wraps one child's pid and lifecycle state: poll, wait,
// signal, and a TERM-then-KILL destroy.
type Subprocess struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	returncode *int // nil while running; exit code or -signal once reaped
	waitErr    error
	waitOnce   sync.Once
	waitDone   chan struct{}
}

// New starts a child process per opts. Pre-exec failures (bad argv[0],
// rejected uid/gid, chdir failure) are returned directly, mirroring the
// control-pipe propagation described above.
func New(ctx context.Context, opts Options) (*Subprocess, error) {
	if len(opts.Argv) == 0 {
		return nil, nemuutil.NewConfigError("argv", "", "must not be empty")
	}

	cmd := exec.CommandContext(ctx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	// A nil *os.File stored in the io.Reader/io.Writer fields would be a
	// non-nil interface and leave the child's fd closed; leaving the field
	// unset gives the child /dev/null instead.
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	cmd.ExtraFiles = opts.ExtraFiles

	attr := &syscall.SysProcAttr{Setpgid: true}
	if opts.Unshare != 0 {
		attr.Unshareflags = opts.Unshare
	}
	if opts.RunAsUser != "" {
		cred, err := credentialFor(opts.RunAsUser)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, nemuutil.NewKernelError(opts.Argv, -1, err.Error())
	}

	sp := &Subprocess{cmd: cmd, pid: cmd.Process.Pid, waitDone: make(chan struct{})}
	go sp.reap()
	return sp, nil
}

// credentialFor resolves a username to the syscall.Credential Cmd.Start
// needs to setuid/setgid/setgroups before exec. Rejects uid 0, mirroring
// the run_as validation in nemuutil.Settings.
func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, nemuutil.NewConfigError("run_as", username, "no such user: "+err.Error())
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, nemuutil.NewConfigError("run_as", username, "non-numeric uid")
	}
	if uid == 0 {
		return nil, nemuutil.NewConfigError("run_as", username, "must not resolve to uid 0")
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, nemuutil.NewConfigError("run_as", username, "non-numeric gid")
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, nemuutil.NewConfigError("run_as", username, "cannot read group list: "+err.Error())
	}
	groups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(n))
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: groups}, nil
}

// reap blocks until the child exits and records its returncode, preserving
// the exit-status/termination-signal distinction.
func (s *Subprocess) reap() {
	err := s.cmd.Wait()
	code := exitCode(s.cmd, err)

	s.mu.Lock()
	s.returncode = &code
	s.waitErr = waitErrExcludingExit(err)
	s.mu.Unlock()
	close(s.waitDone)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	if err == nil {
		return 0
	}
	return -1
}

func waitErrExcludingExit(err error) error {
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}

// Pid returns the child's process id.
func (s *Subprocess) Pid() int { return s.pid }

// Poll returns the returncode if the child has already exited, or nil if
// it is still running. Non-blocking.
func (s *Subprocess) Poll() *int {
	select {
	case <-s.waitDone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.returncode
	default:
		return nil
	}
}

// Wait blocks until the child exits and returns its returncode.
func (s *Subprocess) Wait() (int, error) {
	<-s.waitDone
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.returncode, s.waitErr
}

// WaitTimeout blocks until the child exits or d elapses.
func (s *Subprocess) WaitTimeout(d time.Duration) (int, bool) {
	select {
	case <-s.waitDone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return *s.returncode, true
	case <-time.After(d):
		return 0, false
	}
}

// Signal delivers sig to the child's process group.
func (s *Subprocess) Signal(sig syscall.Signal) error {
	if s.Poll() != nil {
		return nil // already reaped, signaling a dead pid is a no-op
	}
	if err := syscall.Kill(-s.pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("nemu: signal %v to pid %d: %w", sig, s.pid, err)
	}
	return nil
}

// Destroy sends SIGTERM, waits up to destroyGrace for exit, and escalates
// to SIGKILL on timeout. Errors are swallowed and logged: destructors
// must swallow errors, so the original caller's failure, if any, is never
// masked by a cleanup error.
func (s *Subprocess) Destroy() {
	if s.Poll() != nil {
		return
	}
	if err := s.Signal(syscall.SIGTERM); err != nil {
		nemuutil.WithField("pid", s.pid).WithField("error", err).Warn("nemu: subprocess destroy: SIGTERM failed")
	}
	if _, exited := s.WaitTimeout(destroyGrace); exited {
		return
	}
	if err := s.Signal(syscall.SIGKILL); err != nil {
		nemuutil.WithField("pid", s.pid).WithField("error", err).Warn("nemu: subprocess destroy: SIGKILL failed")
	}
	<-s.waitDone
}
