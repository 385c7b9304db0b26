package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/nemu-network/nemu/pkg/topofile"
	"github.com/nemu-network/nemu/pkg/topology"
)

// runLinks prints every node's interfaces, one line each, in the shape
// "<node> <interface> up=<bool> mtu=<n>". Errors reading any one
// interface's live state are reported inline rather than aborting the
// whole listing, since a single stuck interface shouldn't hide the rest
// of the topology.
func runLinks(dep *topofile.Deployment) {
	ctx := context.Background()
	names := make([]string, 0, len(dep.Nodes))
	for name := range dep.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := dep.Nodes[name]
		ifaces := node.GetInterfaces()
		sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name() < ifaces[j].Name() })
		for _, iface := range ifaces {
			printInterfaceLine(ctx, name, iface)
		}
	}
}

func printInterfaceLine(ctx context.Context, node string, iface topology.Interface) {
	up, err := iface.IsUp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stdout, "%s %s (error: %v)\n", node, iface.Name(), err)
		return
	}
	mtu, err := iface.MTU(ctx)
	if err != nil {
		fmt.Fprintf(os.Stdout, "%s %s up=%v mtu=? (error: %v)\n", node, iface.Name(), up, err)
		return
	}
	fmt.Fprintf(os.Stdout, "%s %s up=%v mtu=%d\n", node, iface.Name(), up, mtu)
}
