// nemu-slave is the in-namespace control server driven by the master
// process over a UNIX socket.
//
// It is never invoked directly by a user: the master process forks it
// via the control-pipe pattern in pkg/subprocess, having already called
// unshare(CLONE_NEWNET) in the child before exec, and passes the slave
// end of a UNIX socket pair as fd 3 (net.Conn compatible). nemu-slave
// reads that fd, serves the RPC protocol on it until QUIT/EOF, then
// exits.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/slave"
	"github.com/nemu-network/nemu/pkg/x11"
)

// controlFD is the well-known descriptor number the master leaves open
// for the slave's control socket across exec.
const controlFD = 3

func main() {
	nemuutil.ReinitIfForked()
	x11.SetPortAllocator(x11.PortAllocatorFromEnv())

	f := os.NewFile(uintptr(controlFD), "nemu-control")
	if f == nil {
		fmt.Fprintln(os.Stderr, "nemu-slave: control fd not available")
		os.Exit(1)
	}
	conn, err := net.FileConn(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nemu-slave: adopt control fd:", err)
		os.Exit(1)
	}
	f.Close() // net.FileConn dup'd it; close our copy

	// This process has already unshared CLONE_NEWNET (the parent passed
	// that flag to the fork that exec'd us), so this enables forwarding
	// inside the node's own namespace, not the host's.
	if err := kernelcfg.EnableForwarding(context.Background()); err != nil {
		nemuutil.WithField("error", err).Warn("nemu-slave: enable ip forwarding failed, continuing")
	}

	// A missing mandatory binary (ip/tc/brctl/sysctl) is fatal: every
	// command the master could send would fail anyway, so bail out before
	// greeting rather than serve a namespace nothing can configure. The
	// master forwards its Settings.ExtraDirs through NEMU_EXTRA_DIRS.
	env, err := environment.Probe(environment.ExtraDirsFromEnv()...)
	if err != nil {
		nemuutil.WithField("error", err).Error("nemu-slave: environment probe failed")
		os.Exit(1)
	}

	srv := slave.New(conn, env)
	if err := srv.Serve(context.Background()); err != nil {
		nemuutil.WithField("error", err).Error("nemu-slave: server exited with error")
		os.Exit(1)
	}
}
