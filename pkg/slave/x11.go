package slave

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/rpc"
	"github.com/nemu-network/nemu/pkg/x11"
)

// x11State holds the per-node X11 forwarding configuration: the cookie
// from X11 SET, written to xauth only once X11 SOCK has picked the local
// display number it will actually be served under.
type x11State struct {
	proto        string
	cookie       string
	xauthFile    string
	listenerFile *os.File
}

// handleX11 implements the X11 sub-commands. SET only records the protocol
// name and hex cookie. SOCK binds a free TCP display port on 127.0.0.1,
// writes the cookie for the matching display number into a node-private
// xauth file (so the node's processes never see the host's real cookie
// file), and hands the listening socket's fd to the caller over the
// control connection.
func (s *Server) handleX11(ctx context.Context, cmd rpc.Command) error {
	switch cmd.Sub {
	case "SET":
		return s.handleX11Set(cmd)
	case "SOCK":
		return s.handleX11Sock(ctx)
	}
	return nemuutil.NewProtocolError("unhandled X11 sub-command " + cmd.Sub)
}

func (s *Server) handleX11Set(cmd rpc.Command) error {
	proto, cookie := cmd.Args[0], cmd.Args[1]

	s.mu.Lock()
	s.x11 = &x11State{proto: proto, cookie: cookie}
	s.mu.Unlock()

	return rpc.WriteReply(s.w, rpc.CodeOK, "cookie recorded")
}

func (s *Server) handleX11Sock(ctx context.Context) error {
	s.mu.Lock()
	st := s.x11
	s.mu.Unlock()
	if st == nil {
		return nemuutil.NewProtocolError("X11 SOCK before X11 SET")
	}

	// The allocated port doubles as the node's display number (port-6000);
	// whether the host's real X socket exists is the master's concern — it
	// is the side that dials it per accepted connection.
	l, port, err := x11.FindDisplayPort()
	if err != nil {
		return err
	}
	num := port - 6000

	f, err := os.CreateTemp("", "nemu-xauth-")
	if err != nil {
		l.Close()
		return nemuutil.NewKernelError([]string{"xauth"}, -1, err.Error())
	}
	xauthFile := f.Name()
	f.Close()

	argv := []string{"xauth", "-f", xauthFile, "add", fmt.Sprintf(":%d", num), st.proto, st.cookie}
	if _, err := environment.Backticks(ctx, argv); err != nil {
		os.Remove(xauthFile)
		l.Close()
		return err
	}

	tl, ok := l.(*net.TCPListener)
	if !ok {
		os.Remove(xauthFile)
		l.Close()
		return nemuutil.NewProtocolError("x11 listener is not a TCP listener")
	}
	lf, err := tl.File()
	if err != nil {
		os.Remove(xauthFile)
		l.Close()
		return err
	}

	s.mu.Lock()
	st.xauthFile = xauthFile
	st.listenerFile = lf
	s.tmpFiles = append(s.tmpFiles, xauthFile)
	s.mu.Unlock()

	// Forwarding is the client's job: only one side may accept() on a
	// shared listening socket, so the slave hands the fd off and closes its
	// own listener rather than also running a Forwarder here. The duplicate
	// kept in listenerFile stays open, unused, until shutdown.
	if err := rpc.WriteReply(s.w, rpc.CodeSendFDNow, "send fd now"); err != nil {
		l.Close()
		return err
	}
	if err := s.sendControlFD("X11 SOCK", lf); err != nil {
		l.Close()
		return err
	}
	l.Close()
	return rpc.WriteReply(s.w, rpc.CodeOK, fmt.Sprintf("%d %s", port, xauthFile))
}

// chownXauthTo hands the node's xauth cookie file to the named user. The
// slave itself runs as root (it drives bridge/veth configuration), so the
// tempfile comes out root-owned mode 0600; a child that PROC RUN setuids
// away from root could otherwise never open its own $XAUTHORITY.
func (s *Server) chownXauthTo(username string) error {
	s.mu.Lock()
	st := s.x11
	s.mu.Unlock()
	if st == nil || st.xauthFile == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nemuutil.NewConfigError("run_as", username, "no such user: "+err.Error())
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nemuutil.NewConfigError("run_as", username, "non-numeric uid")
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nemuutil.NewConfigError("run_as", username, "non-numeric gid")
	}
	if err := os.Chown(st.xauthFile, uid, gid); err != nil {
		return nemuutil.NewKernelError([]string{"chown", st.xauthFile}, -1, err.Error())
	}
	return nil
}

// sendControlFD performs the SCM_RIGHTS send counterpart to recvProcFD:
// here the slave is the one handing a file descriptor to its peer instead
// of receiving one.
func (s *Server) sendControlFD(payload string, f *os.File) error {
	uc, ok := s.conn.(*net.UnixConn)
	if !ok {
		return nemuutil.NewProtocolError("fd passing requires a UNIX domain control socket")
	}
	rawConn, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	err = rawConn.Write(func(fd uintptr) bool {
		sendErr = rpc.SendFD(int(fd), payload, f)
		return true
	})
	if err != nil {
		return err
	}
	return sendErr
}
