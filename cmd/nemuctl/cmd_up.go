package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/topofile"
)

func newUpCmd() *cobra.Command {
	var runAsUser string
	var extraBinDirs []string
	cmd := &cobra.Command{
		Use:   "up <topology.yaml>",
		Short: "Bring up a topology and open an interactive session against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(args[0], runAsUser, extraBinDirs)
		},
	}
	cmd.Flags().StringVar(&runAsUser, "run-as", "", "default run_as user for child processes (overrides the environment default)")
	cmd.Flags().StringArrayVar(&extraBinDirs, "extra-bin-dir", nil, "extra directory searched for ip/tc/brctl/sysctl (repeatable)")
	return cmd
}

func runUp(path, runAsUser string, extraBinDirs []string) error {
	f, err := topofile.Load(path)
	if err != nil {
		return err
	}

	var opts []nemuutil.Option
	if runAsUser != "" {
		opts = append(opts, nemuutil.WithRunAsUser(runAsUser))
	}
	if len(extraBinDirs) > 0 {
		opts = append(opts, nemuutil.WithExtraDirs(extraBinDirs...))
	}
	settings, err := nemuutil.NewSettings(opts...)
	if err != nil {
		return err
	}

	ctx := context.Background()
	dep, err := topofile.Up(ctx, f, settings)
	if err != nil {
		return fmt.Errorf("nemuctl: bring up %s: %w", path, err)
	}

	fmt.Fprintf(os.Stdout, "topology up: %d node(s), %d switch(es)\n", len(dep.Nodes), len(dep.Switches))
	runLinks(dep)

	// A SIGINT/SIGTERM tears the topology down the same way a typed
	// "down" does, so Ctrl-C never leaves kernel state behind.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stdout, "\nnemuctl: signal received, tearing down")
		dep.Close()
		os.Exit(0)
	}()

	return runSession(ctx, dep)
}

// runSession drives the interactive prompt: links/shell/exec/down, read
// line by line off the shared stdin pump until "down"/"exit"/"quit" or
// EOF.
func runSession(ctx context.Context, dep *topofile.Deployment) error {
	fmt.Fprint(os.Stdout, "nemuctl> ")
	for {
		line, ok := readLine()
		if !ok {
			break
		}
		tokens := splitSession(line)
		if len(tokens) == 0 {
			fmt.Fprint(os.Stdout, "nemuctl> ")
			continue
		}
		switch tokens[0] {
		case "links":
			runLinks(dep)
		case "shell":
			if len(tokens) != 2 {
				fmt.Fprintln(os.Stderr, "usage: shell <node>")
				break
			}
			if err := runShell(ctx, dep, tokens[1]); err != nil {
				fmt.Fprintln(os.Stderr, "shell:", err)
			}
		case "exec":
			if err := runExecCmd(ctx, dep, tokens[1:]); err != nil {
				fmt.Fprintln(os.Stderr, "exec:", err)
			}
		case "down", "exit", "quit":
			return dep.Close()
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (try: links, shell <node>, exec <node> -- <argv>, down)\n", tokens[0])
		}
		fmt.Fprint(os.Stdout, "nemuctl> ")
	}
	// EOF on stdin (e.g. piped input, or the session's controlling
	// terminal going away) tears down the same as an explicit "down"
	// rather than leaving the topology running unattended.
	return dep.Close()
}

// splitSession tokenizes one REPL line on whitespace. It does not
// understand quoting; multi-word arguments to exec's argv are passed
// through the shell's own quoting once "shell" hands off to a real tty.
func splitSession(line string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = nil
		}
	}
	for _, r := range line {
		if r == ' ' || r == '\t' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return tokens
}
