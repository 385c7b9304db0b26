package topology

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nemu-network/nemu/pkg/kernelcfg"
)

// P2PInterface is one end of a veth pair with both ends migrated into two
// distinct Nodes: no host-side control end exists, unlike NodeInterface.
// Created only through CreateP2PPair, never directly, since a lone
// P2PInterface without its sibling would be half a kernel object.
type P2PInterface struct {
	*linkHandle
	node    *Node
	sibling *P2PInterface // the other end, for destroy fallback
}

func (p *P2PInterface) destroy(ctx context.Context) error {
	// Deleting either end of a veth pair removes the peer too, regardless
	// of which namespace each currently lives in. Prefer deleting through
	// this end; if this node's slave has already died, fall back to the
	// sibling so the pair is still reclaimed.
	if p.node.slaveAlive() {
		if _, cerr := p.node.client.call("IF", "DEL", strconv.Itoa(p.ifindex)); cerr == nil {
			return nil
		}
	}
	if p.sibling != nil && p.sibling.node.slaveAlive() {
		_, err := p.sibling.node.client.call("IF", "DEL", strconv.Itoa(p.sibling.ifindex))
		return err
	}
	return fmt.Errorf("nemu: destroy p2p interface %s: both endpoint nodes unreachable", p.name)
}

// CreateP2PPair creates a veth pair in the host namespace and migrates one
// end into each of a and b, returning both endpoint handles already
// tracked on their owning nodes.
func CreateP2PPair(ctx context.Context, a, b *Node) (*P2PInterface, *P2PInterface, error) {
	if err := a.checkAlive(); err != nil {
		return nil, nil, err
	}
	if err := b.checkAlive(); err != nil {
		return nil, nil, err
	}

	nameA := kernelcfg.NewIfName()
	nameB := kernelcfg.NewIfName()
	if err := kernelcfg.CreateIfPair(ctx, nameA, nameB); err != nil {
		return nil, nil, err
	}

	if err := kernelcfg.ChangeNetns(ctx, nameA, a.Pid()); err != nil {
		kernelcfg.DelIf(ctx, nameB) // nameA may already be gone; nameB still reachable from the host
		return nil, nil, err
	}
	if err := kernelcfg.ChangeNetns(ctx, nameB, b.Pid()); err != nil {
		// nameA already migrated into a; ask a's slave to delete it, which
		// tears down nameB (still host-side) too.
		if linkA, lerr := a.findLinkByName(ctx, nameA); lerr == nil {
			a.client.call("IF", "DEL", strconv.Itoa(linkA.Index))
		}
		return nil, nil, fmt.Errorf("nemu: create p2p pair: migrate %s into %s: %w", nameB, b.Name, err)
	}

	linkA, err := a.findLinkByName(ctx, nameA)
	if err != nil {
		return nil, nil, err
	}
	linkB, err := b.findLinkByName(ctx, nameB)
	if err != nil {
		return nil, nil, err
	}

	pa := &P2PInterface{
		linkHandle: &linkHandle{ifindex: linkA.Index, name: linkA.Name, backend: &remoteLinkBackend{node: a, ifindex: linkA.Index}},
		node:       a,
	}
	pb := &P2PInterface{
		linkHandle: &linkHandle{ifindex: linkB.Index, name: linkB.Name, backend: &remoteLinkBackend{node: b, ifindex: linkB.Index}},
		node:       b,
	}
	pa.sibling = pb
	pb.sibling = pa

	a.trackInterface(pa)
	b.trackInterface(pb)
	return pa, pb, nil
}
