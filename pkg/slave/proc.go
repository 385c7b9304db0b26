package slave

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/rpc"
	"github.com/nemu-network/nemu/pkg/subprocess"
)

// procBuild accumulates PROC CRTE/USER/CWD/ENV/SIN/SOUT/SERR state until
// PROC RUN or PROC ABRT exits proc-build mode.
type procBuild struct {
	executable           string
	argv                 []string
	user                 string
	cwd                  string
	env                  []string
	stdin, stdout, stderr *os.File
}

// closeFDs releases the slave's copies of any received stream fds. Safe
// to call repeatedly; the fields are nilled as they are closed.
func (b *procBuild) closeFDs() {
	for _, f := range []**os.File{&b.stdin, &b.stdout, &b.stderr} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
}

func (s *Server) handleProc(ctx context.Context, cmd rpc.Command) error {
	switch cmd.Sub {
	case "CRTE":
		s.build = &procBuild{executable: cmd.Args[0], argv: cmd.Args[1:]}
		return rpc.WriteReply(s.w, rpc.CodeOK, "awaiting configuration")

	case "USER", "CWD", "ENV", "SIN", "SOUT", "SERR", "RUN", "ABRT":
		if s.build == nil {
			return nemuutil.NewProtocolError("PROC " + cmd.Sub + " outside proc-build mode")
		}
		return s.handleProcBuild(ctx, cmd)

	case "POLL":
		return s.handleProcPoll(cmd)
	case "WAIT":
		return s.handleProcWait(cmd)
	case "KILL":
		return s.handleProcKill(cmd)
	}
	return nemuutil.NewProtocolError("unhandled PROC sub-command " + cmd.Sub)
}

func (s *Server) handleProcBuild(ctx context.Context, cmd rpc.Command) error {
	b := s.build
	switch cmd.Sub {
	case "USER":
		b.user = cmd.Args[0]
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "CWD":
		b.cwd = cmd.Args[0]
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "ENV":
		if len(cmd.Args)%2 != 0 {
			return nemuutil.NewProtocolError("PROC ENV requires key/value pairs")
		}
		for i := 0; i < len(cmd.Args); i += 2 {
			b.env = append(b.env, cmd.Args[i]+"="+cmd.Args[i+1])
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "SIN", "SOUT", "SERR":
		if err := rpc.WriteReply(s.w, rpc.CodeSendFDNow, "send fd now"); err != nil {
			return err
		}
		// The payload accompanying the fd must be the literal command name,
		// exactly as the client spells it on its command line.
		f, err := s.recvProcFD("PROC " + cmd.Sub)
		if err != nil {
			s.build = nil
			b.closeFDs()
			return err
		}
		if f == nil {
			// The client hit a local failure and sent the placeholder so our
			// recvmsg would complete; the build is void, and the connection
			// stays usable for whatever comes next.
			s.build = nil
			b.closeFDs()
			return nemuutil.NewProtocolError("no file descriptor received with PROC " + cmd.Sub)
		}
		switch cmd.Sub {
		case "SIN":
			b.stdin = f
		case "SOUT":
			b.stdout = f
		case "SERR":
			b.stderr = f
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "fd received")

	case "RUN":
		s.build = nil
		if b.user != "" {
			// The cookie file must belong to the target user before the
			// child execs, or the setuid child cannot read $XAUTHORITY.
			if err := s.chownXauthTo(b.user); err != nil {
				b.closeFDs()
				return err
			}
		}
		sp, err := subprocess.New(ctx, subprocess.Options{
			Argv:      append([]string{b.executable}, b.argv...),
			Env:       b.env,
			Dir:       b.cwd,
			RunAsUser: b.user,
			Stdin:     b.stdin,
			Stdout:    b.stdout,
			Stderr:    b.stderr,
		})
		// The child (or nobody, on failure) now owns the stream fds; the
		// slave's copies must go away, or a pipe's reader on the master
		// side never sees EOF after the child exits.
		b.closeFDs()
		if err != nil {
			return err
		}
		s.addChild(sp.Pid(), sp)
		return rpc.WriteReply(s.w, rpc.CodeOK, strconv.Itoa(sp.Pid()))

	case "ABRT":
		s.build = nil
		b.closeFDs()
		return rpc.WriteReply(s.w, rpc.CodeOK, "aborted")
	}
	return nemuutil.NewProtocolError("unhandled proc-build sub-command " + cmd.Sub)
}

func (s *Server) lookupChild(pid int) (*subprocess.Subprocess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.children[pid]
	return sp, ok
}

func (s *Server) handleProcPoll(cmd rpc.Command) error {
	pid := atoiArg(cmd.Args[0])
	sp, ok := s.lookupChild(pid)
	if !ok {
		return nemuutil.NewRemoteKeyError(fmt.Sprintf("no tracked child with pid %d", pid))
	}
	rc := sp.Poll()
	if rc == nil {
		return rpc.WriteReply(s.w, rpc.CodeNotFinished, "not finished yet")
	}
	s.removeChild(pid)
	return rpc.WriteReply(s.w, rpc.CodeOK, strconv.Itoa(*rc))
}

func (s *Server) handleProcWait(cmd rpc.Command) error {
	pid := atoiArg(cmd.Args[0])
	sp, ok := s.lookupChild(pid)
	if !ok {
		return nemuutil.NewRemoteKeyError(fmt.Sprintf("no tracked child with pid %d", pid))
	}
	rc, err := sp.Wait()
	s.removeChild(pid)
	if err != nil {
		return err
	}
	return rpc.WriteReply(s.w, rpc.CodeOK, strconv.Itoa(rc))
}

func (s *Server) handleProcKill(cmd rpc.Command) error {
	pid := atoiArg(cmd.Args[0])
	sig := int(syscall.SIGTERM)
	if len(cmd.Args) > 1 {
		sig = atoiArg(cmd.Args[1])
	}
	sp, ok := s.lookupChild(pid)
	if !ok {
		return nemuutil.NewRemoteKeyError(fmt.Sprintf("no tracked child with pid %d", pid))
	}
	if err := sp.Signal(syscall.Signal(sig)); err != nil {
		return err
	}
	return rpc.WriteReply(s.w, rpc.CodeOK, "ok")
}

// recvProcFD performs the SCM_RIGHTS receive for one PROC S{IN,OUT,ERR}
// transfer. The control connection must be a UNIX socket; payload is the
// literal command name the client is required to send alongside the fd.
func (s *Server) recvProcFD(payload string) (*os.File, error) {
	uc, ok := s.conn.(*net.UnixConn)
	if !ok {
		return nil, nemuutil.NewProtocolError("fd passing requires a UNIX domain control socket")
	}
	rawConn, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var f *os.File
	var opErr error
	err = rawConn.Read(func(fd uintptr) bool {
		f, opErr = rpc.RecvFD(int(fd), payload)
		return true
	})
	if err != nil {
		return nil, err
	}
	return f, opErr
}
