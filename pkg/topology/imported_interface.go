package topology

import (
	"context"
	"os"
	"strconv"

	"github.com/nemu-network/nemu/pkg/kernelcfg"
)

// ImportedInterface is a pre-existing host-side device used as a bridge
// port (e.g. a physical NIC bridged into a Switch for external
// connectivity). It restores the device's prior name/attrs on destroy.
type ImportedInterface struct {
	*linkHandle
	orig kernelcfg.Link
}

// ImportInterface adopts an existing host-side device by name, recording
// its current attributes so they can be restored later.
func ImportInterface(ctx context.Context, name string) (*ImportedInterface, error) {
	l, err := kernelcfg.GetLinkByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return &ImportedInterface{
		linkHandle: &linkHandle{ifindex: l.Index, name: l.Name, backend: &localLinkBackend{name: l.Name}},
		orig:       l,
	}, nil
}

func (i *ImportedInterface) destroy(ctx context.Context) error {
	return restoreLink(ctx, i.linkHandle, i.orig)
}

// ImportedNodeInterface is a pre-existing device migrated into a Node. On
// destruction it restores the device's original name/attrs and migrates
// it back to the host namespace, unless migrate=false — the escape hatch
// used for a node's own loopback, which must never be moved out.
type ImportedNodeInterface struct {
	*linkHandle
	node    *Node
	orig    kernelcfg.Link
	migrate bool
}

// ImportIf migrates an existing host-side device by name into n. Pass
// migrate=false only for devices that must stay put on destroy (the
// node's loopback).
func (n *Node) ImportIf(ctx context.Context, name string, migrate bool) (*ImportedNodeInterface, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	orig, err := kernelcfg.GetLinkByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := kernelcfg.ChangeNetns(ctx, name, n.Pid()); err != nil {
		return nil, err
	}
	l, err := n.findLinkByName(ctx, name)
	if err != nil {
		return nil, err
	}
	ini := &ImportedNodeInterface{
		linkHandle: &linkHandle{ifindex: l.Index, name: l.Name, backend: &remoteLinkBackend{node: n, ifindex: l.Index}},
		node:       n,
		orig:       orig,
		migrate:    migrate,
	}
	n.trackInterface(ini)
	return ini, nil
}

func (ini *ImportedNodeInterface) destroy(ctx context.Context) error {
	if !ini.node.slaveAlive() {
		// The slave is gone; the device died with its namespace (or, for a
		// physical NIC, the kernel already returned it to the host), so
		// there is nothing left to restore or migrate back.
		return nil
	}
	if err := restoreLink(ctx, ini.linkHandle, ini.orig); err != nil {
		return err
	}
	if !ini.migrate {
		return nil
	}
	// target_pid names the master process's own pid: "ip link set netns
	// <pid>" migrates into whatever namespace that pid is currently in,
	// which for the master is always the host namespace.
	_, err := ini.node.client.call("IF", "RTRN", strconv.Itoa(ini.ifindex), strconv.Itoa(os.Getpid()))
	return err
}

// restoreLink writes the recorded original attributes back onto a link
// before it is released from nemu's bookkeeping, best-effort: a device
// that's gone (namespace torn down) is not an error at this point.
func restoreLink(ctx context.Context, h *linkHandle, orig kernelcfg.Link) error {
	up := orig.Up
	multicast := orig.Multicast
	arp := orig.ARP
	err := h.backend.setLink(ctx, kernelcfg.SetLinkOpts{
		Name: orig.Name, MTU: orig.MTU, LLAddr: orig.LLAddr, Broadcast: orig.Broadcast,
		Up: &up, Multicast: &multicast, ARP: &arp,
	})
	return err
}
