// Package topology implements the user-facing object model: Node,
// Interface (and its NodeInterface/P2PInterface/tap/tun/imported
// variants), and Switch, each a thin handle over a running nemu-slave
// process reached through pkg/rpc.
package topology

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/rpc"
)

// client is the master-side control connection to one node's slave: a
// single in-flight command at a time, serialized by mu.
type client struct {
	mu   sync.Mutex
	name string // owning node's name, for LifecycleError attribution
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newClient(name string, conn net.Conn) (*client, error) {
	c := &client{name: name, conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	greeting, err := rpc.ReadReply(c.r)
	if err != nil {
		return nil, fmt.Errorf("nemu: read slave greeting: %w", err)
	}
	if greeting.Code != rpc.CodeGreeting {
		return nil, nemuutil.NewProtocolError("unexpected slave greeting code " + fmt.Sprint(greeting.Code))
	}
	return c, nil
}

// call sends one command and returns its reply, converting a non-success
// reply into a Go error via rpc.ReplyToError.
func (c *client) call(tokens ...string) (rpc.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(tokens...)
}

func (c *client) callLocked(tokens ...string) (rpc.Reply, error) {
	if err := rpc.WriteCommand(c.w, tokens...); err != nil {
		return rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	reply, err := rpc.ReadReply(c.r)
	if err != nil {
		return rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	if err := rpc.ReplyToError(reply); err != nil {
		return rpc.Reply{}, err
	}
	return reply, nil
}

// callWithFD sends a command whose reply is the CodeSendFDNow handshake
// followed by an SCM_RIGHTS payload, then the final status reply. Used
// for X11 SOCK, the one master<-slave fd transfer in the protocol (every
// other transfer, PROC SIN/SOUT/SERR, runs the opposite direction and is
// driven entirely from sendFD below).
func (c *client) callWithFD(payload string, tokens ...string) (*os.File, rpc.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rpc.WriteCommand(c.w, tokens...); err != nil {
		return nil, rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	handshake, err := rpc.ReadReply(c.r)
	if err != nil {
		return nil, rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	if handshake.Code != rpc.CodeSendFDNow {
		if err := rpc.ReplyToError(handshake); err != nil {
			return nil, rpc.Reply{}, err
		}
		return nil, rpc.Reply{}, nemuutil.NewProtocolError("expected fd handshake, got " + handshake.Text())
	}

	f, err := c.recvFD(payload)
	if err != nil {
		return nil, rpc.Reply{}, err
	}

	final, err := rpc.ReadReply(c.r)
	if err != nil {
		return nil, rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	if err := rpc.ReplyToError(final); err != nil {
		return nil, rpc.Reply{}, err
	}
	return f, final, nil
}

// sendFD performs the client-side SCM_RIGHTS send for a PROC SIN/SOUT/SERR
// transfer: the slave has already replied CodeSendFDNow and is now
// blocked in a matching recvmsg.
func (c *client) sendFD(payload string, f *os.File) error {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		return nemuutil.NewProtocolError("fd passing requires a UNIX domain control socket")
	}
	rawConn, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	err = rawConn.Write(func(fd uintptr) bool {
		if f == nil {
			sendErr = rpc.SendFDPlaceholder(int(fd), payload)
		} else {
			sendErr = rpc.SendFD(int(fd), payload, f)
		}
		return true
	})
	if err != nil {
		return err
	}
	return sendErr
}

// recvFD performs the client-side SCM_RIGHTS receive for X11 SOCK, the
// mirror image of pkg/slave's recvProcFD.
func (c *client) recvFD(payload string) (*os.File, error) {
	uc, ok := c.conn.(*net.UnixConn)
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

// callProcSendFD sends a PROC SIN/SOUT/SERR command, waits for the
// CodeSendFDNow handshake, sends f (or a placeholder if f is nil), and
// returns the final reply.
func (c *client) callProcSendFD(sub string, f *os.File) (rpc.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := rpc.WriteCommand(c.w, "PROC", sub); err != nil {
		return rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	handshake, err := rpc.ReadReply(c.r)
	if err != nil {
		return rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	if handshake.Code != rpc.CodeSendFDNow {
		if err := rpc.ReplyToError(handshake); err != nil {
			return rpc.Reply{}, err
		}
		return rpc.Reply{}, nemuutil.NewProtocolError("expected fd handshake, got " + handshake.Text())
	}
	if err := c.sendFD("PROC "+sub, f); err != nil {
		// The server is blocked in a recvmsg that must consume a payload
		// byte regardless of our failure: push a placeholder of the same
		// payload, then consume its error reply, so the connection stays
		// usable for the next command.
		if f != nil {
			if perr := c.sendFD("PROC "+sub, nil); perr == nil {
				rpc.ReadReply(c.r)
			}
		}
		return rpc.Reply{}, err
	}
	final, err := rpc.ReadReply(c.r)
	if err != nil {
		return rpc.Reply{}, nemuutil.NewLifecycleError(c.name)
	}
	if err := rpc.ReplyToError(final); err != nil {
		return rpc.Reply{}, err
	}
	return final, nil
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rpc.WriteCommand(c.w, "QUIT")
	rpc.ReadReply(c.r) // best-effort goodbye; ignore errors on a connection we're tearing down
	return c.conn.Close()
}
