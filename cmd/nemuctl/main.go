// nemuctl is a reference driver program for pkg/topology: it loads a
// declarative YAML topology through pkg/topofile, brings it up, and
// hands the caller an interactive session (links/shell/exec/down) for
// poking at the running nodes, mirroring cmd/newtlab's per-verb command
// layout (cmd_*.go) adapted from VM orchestration to namespace/slave
// orchestration.
//
// Unlike newtlab, which drives long-lived VMs across separate CLI
// invocations backed by on-disk lab state, nemu's topology only exists
// inside the process that created it (§5: "a user process owns N
// nodes"). nemuctl is that process: `up` is the only cobra subcommand,
// and links/shell/exec/down are verbs typed at its interactive prompt
// rather than separate invocations, since there is no persisted state
// for a second process to attach to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "nemuctl",
	Short:         "Bring up an emulated IP network topology and drive it interactively",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `nemuctl brings up a declarative nemu topology and opens an interactive
session against it.

  nemuctl up topology.yaml

Once the topology is up, the session accepts:

  links                    list every node's interfaces with up state and MTU
  shell <node>              open an interactive shell inside a node
  exec <node> -- <argv...>  run one command inside a node, print its output
  down                      tear the topology down and exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			nemuutil.SetLogLevel("debug")
		} else {
			nemuutil.SetLogLevel("warn")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.AddCommand(newUpCmd())
}
