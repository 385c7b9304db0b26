package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/nemu-network/nemu/pkg/topofile"
	"github.com/nemu-network/nemu/pkg/topology"
)

// shellArgv is the command run inside the node for an interactive "shell"
// session. There is no per-node default shell recorded anywhere in the
// topology, so this is always bash; there is no fallback shell.
var shellArgv = []string{"/bin/bash", "-i"}

// runShell opens an interactive shell inside node, forwarding raw stdin to
// it and its combined stdout/stderr back to the terminal until the child
// exits. It consumes stdinCh directly instead of going through readLine,
// since a shell needs every keystroke (Ctrl-C, arrow keys, tab) rather than
// whole lines; this is safe because runSession never reads stdinCh while
// runShell is running (see stdin.go).
func runShell(ctx context.Context, dep *topofile.Deployment, nodeName string) error {
	node, ok := dep.Nodes[nodeName]
	if !ok {
		return fmt.Errorf("no such node %q", nodeName)
	}

	p, err := node.NewPopen(ctx, shellArgv, topology.PopenOptions{
		Stdin:  topology.PIPE,
		Stdout: topology.PIPE,
		Stderr: topology.STDOUT,
	})
	if err != nil {
		return fmt.Errorf("start shell in %s: %w", nodeName, err)
	}

	fd := int(os.Stdin.Fd())
	raw := term.IsTerminal(fd)
	var oldState *term.State
	if raw {
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			raw = false
		}
	}
	restore := func() {
		if raw {
			term.Restore(fd, oldState)
		}
	}

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(os.Stdout, p.Stdout)
	}()

	waitDone := make(chan struct{})
	var rc int
	var waitErr error
	go func() {
		defer close(waitDone)
		rc, waitErr = p.Wait()
	}()

forward:
	for {
		select {
		case chunk, ok := <-stdinCh:
			if !ok {
				p.Stdin.Close()
				break forward
			}
			if _, err := p.Stdin.Write(chunk); err != nil {
				break forward
			}
		case <-waitDone:
			break forward
		}
	}

	<-waitDone
	p.Stdin.Close()
	<-outDone
	restore()

	if waitErr != nil {
		return waitErr
	}
	if rc != 0 {
		fmt.Fprintf(os.Stderr, "shell exited with status %d\n", rc)
	}
	return nil
}
