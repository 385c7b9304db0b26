package topology

import (
	"context"
	"fmt"

	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// SlaveInterface is the host-side half of a NodeInterface: a veth control
// end living in the master's own namespace, exposed only so a Switch can
// plug it in as a bridge port. Its Destroy is a no-op — the owning
// NodeInterface is the sole destroyer.
type SlaveInterface struct {
	*linkHandle
	owner *NodeInterface
}

func (s *SlaveInterface) destroy(ctx context.Context) error { return nil }

// NodeInterface is a veth pair whose control end stays in the host
// namespace and whose other end is migrated into a Node. It owns both
// ends: destroying it deletes the whole pair (deleting either end of a
// veth removes its peer too).
type NodeInterface struct {
	*linkHandle // the node-side handle (remote backend, re-queried through RPC)

	node    *Node
	control *SlaveInterface
}

// Control returns the host-side control end, the handle a Switch connects
// to.
func (ni *NodeInterface) Control() *SlaveInterface { return ni.control }

func (ni *NodeInterface) destroy(ctx context.Context) error {
	// Deleting the control end tears down the whole veth pair, including
	// the node-side end still sitting inside the node's namespace; no RPC
	// round-trip to the (possibly already-dead) slave is required.
	if err := ni.control.linkHandle.delete(ctx); err != nil {
		return fmt.Errorf("nemu: destroy node interface %s: %w", ni.name, err)
	}
	return nil
}

// AddIf creates a veth pair, migrates one end into n, and tracks both
// halves. ctrlName/nodeName are auto-generated if empty.
func (n *Node) AddIf(ctx context.Context) (*NodeInterface, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	ctrlName := kernelcfg.NewIfName()
	nodeName := kernelcfg.NewIfName()

	if err := kernelcfg.CreateIfPair(ctx, ctrlName, nodeName); err != nil {
		return nil, err
	}
	ctrlLink, err := kernelcfg.GetLinkByName(ctx, ctrlName)
	if err != nil {
		kernelcfg.DelIf(ctx, ctrlName)
		return nil, err
	}
	if err := kernelcfg.ChangeNetns(ctx, nodeName, n.Pid()); err != nil {
		kernelcfg.DelIf(ctx, ctrlName) // tears down the peer too
		return nil, err
	}

	nodeLink, err := n.findLinkByName(ctx, nodeName)
	if err != nil {
		kernelcfg.DelIf(ctx, ctrlName)
		return nil, err
	}

	control := &SlaveInterface{
		linkHandle: &linkHandle{ifindex: ctrlLink.Index, name: ctrlLink.Name, backend: &localLinkBackend{name: ctrlLink.Name}},
	}
	ni := &NodeInterface{
		linkHandle: &linkHandle{ifindex: nodeLink.Index, name: nodeLink.Name, backend: &remoteLinkBackend{node: n, ifindex: nodeLink.Index}},
		node:       n,
		control:    control,
	}
	control.owner = ni

	n.trackInterface(ni)
	nemuutil.WithNode(n.Name).WithField("interface", nodeLink.Name).Info("nemu: node interface created")
	return ni, nil
}

// findLinkByName polls the node's interface list for one matching name,
// the master-side counterpart of kernelcfg.GetLinkByName for links that
// live inside a remote namespace. Callers must always re-read after any
// rename rather than trust a cached index.
func (n *Node) findLinkByName(ctx context.Context, name string) (kernelcfg.Link, error) {
	reply, err := n.client.call("IF", "LIST")
	if err != nil {
		return kernelcfg.Link{}, err
	}
	for _, line := range reply.Lines {
		if line == "" {
			continue
		}
		l, err := parseLinkLine(line)
		if err != nil {
			return kernelcfg.Link{}, err
		}
		if l.Name == name {
			return l, nil
		}
	}
	return kernelcfg.Link{}, nemuutil.NewRemoteKeyError("no interface named " + name + " in node " + n.Name)
}
