package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nemu-network/nemu/pkg/topofile"
	"github.com/nemu-network/nemu/pkg/topology"
)

// runExecCmd parses "<node> -- <argv...>" and runs argv inside node,
// printing its combined stdout/stderr. A missing "--" is rejected rather
// than guessed at, since argv may itself contain flags that would
// otherwise be swallowed by the outer command line.
func runExecCmd(ctx context.Context, dep *topofile.Deployment, tokens []string) error {
	if len(tokens) < 2 || tokens[1] != "--" {
		return fmt.Errorf("usage: exec <node> -- <argv...>")
	}
	nodeName := tokens[0]
	argv := tokens[2:]
	if len(argv) == 0 {
		return fmt.Errorf("usage: exec <node> -- <argv...>")
	}

	node, ok := dep.Nodes[nodeName]
	if !ok {
		return fmt.Errorf("no such node %q", nodeName)
	}

	p, err := node.NewPopen(ctx, argv, topology.PopenOptions{Stdout: topology.PIPE, Stderr: topology.STDOUT})
	if err != nil {
		return err
	}
	out, _, err := p.Communicate(ctx, "")
	fmt.Fprint(os.Stdout, out)
	return err
}
