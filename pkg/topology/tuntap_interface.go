package topology

import (
	"context"
	"os"

	"github.com/nemu-network/nemu/pkg/kernelcfg"
)

// tapTunInterface is the shared shape of TapNodeInterface and
// TunNodeInterface: a /dev/net/tun-backed device created in the host
// namespace (where the master's ioctl(TUNSETIFF) necessarily runs), then
// migrated into the owning Node. The file descriptor is not netns-bound —
// it stays valid, and stays with the master, after the device itself is
// moved into the node.
type tapTunInterface struct {
	*linkHandle
	node *Node
	tt   *kernelcfg.TunTap
}

// File returns the kept file descriptor: the caller reads/writes raw
// Ethernet frames (TAP) or IP packets (TUN) through it directly, e.g. to
// splice two taps together in a user-space relay.
func (t *tapTunInterface) File() *os.File { return t.tt.File() }

func (t *tapTunInterface) destroy(ctx context.Context) error {
	// Closing the fd removes a non-persistent TAP/TUN device automatically
	// (even migrated into another namespace), so no RPC round-trip to the
	// node is needed or possible if its slave has already died.
	return t.tt.Close()
}

func (n *Node) addTunTap(ctx context.Context, withPI bool, create func(name string, withPI bool) (*kernelcfg.TunTap, error)) (*tapTunInterface, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	name := kernelcfg.NewIfName()
	tt, err := create(name, withPI)
	if err != nil {
		return nil, err
	}
	if err := kernelcfg.ChangeNetns(ctx, tt.Name, n.Pid()); err != nil {
		tt.Close()
		return nil, err
	}
	l, err := n.findLinkByName(ctx, tt.Name)
	if err != nil {
		tt.Close()
		return nil, err
	}
	iface := &tapTunInterface{
		linkHandle: &linkHandle{ifindex: l.Index, name: l.Name, backend: &remoteLinkBackend{node: n, ifindex: l.Index}},
		node:       n,
		tt:         tt,
	}
	return iface, nil
}

// TapNodeInterface is a TAP device (Ethernet frames, optionally prefixed
// with a 4-byte packet-info header) created via /dev/net/tun and migrated
// into a Node.
type TapNodeInterface struct{ *tapTunInterface }

// AddTap creates a TAP device and migrates it into n. withPI controls
// whether frames read from File() carry the 4-byte packet-info header.
func (n *Node) AddTap(ctx context.Context, withPI bool) (*TapNodeInterface, error) {
	iface, err := n.addTunTap(ctx, withPI, kernelcfg.CreateTap)
	if err != nil {
		return nil, err
	}
	ti := &TapNodeInterface{iface}
	n.trackInterface(ti)
	return ti, nil
}

// TunNodeInterface is a TUN device (raw IP packets) created via
// /dev/net/tun and migrated into a Node.
type TunNodeInterface struct{ *tapTunInterface }

// AddTun creates a TUN device and migrates it into n.
func (n *Node) AddTun(ctx context.Context, withPI bool) (*TunNodeInterface, error) {
	iface, err := n.addTunTap(ctx, withPI, kernelcfg.CreateTun)
	if err != nil {
		return nil, err
	}
	ti := &TunNodeInterface{iface}
	n.trackInterface(ti)
	return ti, nil
}
