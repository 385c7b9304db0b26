package topology

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/x11"
)

// x11Forward holds the master-side half of one node's X11 forwarding
// session: the cookie handshake already ran, and forwarder is the
// accept-and-splice loop driven by the fd the slave handed back.
type x11Forward struct {
	display   string // "127.0.0.1:<n>", injected as $DISPLAY inside the node
	xauthFile string // slave-side tempfile, injected as $XAUTHORITY
	forwarder *x11.Forwarder
}

// EnableX11 runs the client half of X11 forwarding: reads the local
// $DISPLAY's xauth cookie, sends it to the slave over X11 SET, then
// requests the slave's forwarding socket over X11 SOCK and starts a local
// accept/splice loop against it. Subsequent Subprocess/Popen/System calls
// inject DISPLAY/XAUTHORITY so child processes reach the host's real X
// server transparently.
func (n *Node) EnableX11(ctx context.Context, display string) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		return nemuutil.NewConfigError("display", "", "$DISPLAY is not set")
	}

	hostPart, hostNum, err := x11.ParseDisplay(display)
	if err != nil {
		return err
	}

	proto, cookie, err := xauthCookie(ctx, display)
	if err != nil {
		return err
	}

	if _, err := n.client.call("X11", "SET", proto, cookie); err != nil {
		return err
	}

	f, reply, err := n.client.callWithFD("X11 SOCK", "X11", "SOCK")
	if err != nil {
		return err
	}
	listener, err := net.FileListener(f)
	f.Close() // net.FileListener dup'd it
	if err != nil {
		return fmt.Errorf("nemu: node %s: adopt x11 listener fd: %w", n.Name, err)
	}

	fields := strings.Fields(strings.TrimSpace(reply.Text()))
	if len(fields) < 2 {
		listener.Close()
		return nemuutil.NewProtocolError("malformed X11 SOCK reply " + reply.Text())
	}
	remotePort, xauthFile := fields[0], fields[1]

	port, err := strconv.Atoi(remotePort)
	if err != nil {
		listener.Close()
		return nemuutil.NewProtocolError("malformed X11 SOCK port " + remotePort)
	}
	nodeNum := port - 6000 // the display number children inside the node will use

	// The splice target is the host's real X server: the unix socket for a
	// ":N"-style $DISPLAY, TCP 6000+N when $DISPLAY names a host.
	var target string
	if hostPart == "" || hostPart == "unix" {
		if !x11.SocketExists(hostNum) {
			listener.Close()
			return nemuutil.NewConfigError("display", display, "no local X socket for this display")
		}
		target = x11.LocalXSocket(hostNum)
	} else {
		target = fmt.Sprintf("%s:%d", hostPart, 6000+hostNum)
	}
	forwarder := x11.NewForwarder(listener, target)

	n.mu.Lock()
	n.x11 = &x11Forward{display: "127.0.0.1:" + strconv.Itoa(nodeNum), xauthFile: xauthFile, forwarder: forwarder}
	n.mu.Unlock()

	nemuutil.WithNode(n.Name).Info("nemu: x11 forwarding enabled")
	return nil
}

// xauthCookie extracts the protocol name and hex key for display via
// `xauth list`.
func xauthCookie(ctx context.Context, display string) (proto, hexkey string, err error) {
	out, err := environment.Backticks(ctx, []string{"xauth", "list", display})
	if err != nil {
		return "", "", err
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return "", "", nemuutil.NewConfigError("display", display, "xauth list returned no cookie")
	}
	// "host/unix:n  MIT-MAGIC-COOKIE-1  <hex>"; only the last two fields
	// are needed, regardless of how the first field spells the display.
	return fields[len(fields)-2], fields[len(fields)-1], nil
}

// x11Env returns the DISPLAY/XAUTHORITY pair to inject into a child's
// environment when X11 forwarding is enabled, or nil otherwise.
func (n *Node) x11Env() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.x11 == nil {
		return nil
	}
	return []string{"DISPLAY=" + n.x11.display, "XAUTHORITY=" + n.x11.xauthFile}
}

func (n *Node) closeX11() {
	n.mu.Lock()
	x := n.x11
	n.x11 = nil
	n.mu.Unlock()
	if x != nil && x.forwarder != nil {
		if err := x.forwarder.Close(); err != nil {
			nemuutil.WithNode(n.Name).WithField("error", err).Warn("nemu: x11 forwarder close failed")
		}
	}
}
