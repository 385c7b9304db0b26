package topology

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/rpc"
	"github.com/nemu-network/nemu/pkg/subprocess"
)

// slaveBinaryName is the nemu-slave executable this package execs for
// every Node. It is looked up next to the calling binary if present,
// else via $PATH.
const slaveBinaryName = "nemu-slave"

// Node is one emulated host: a network-namespace-isolated process
// (nemu-slave) plus the interfaces and routes configured inside it.
// Node owns its interfaces and its slave's lifecycle; a Switch only
// holds weak references to the interfaces plugged into it.
type Node struct {
	Name string

	mu         sync.Mutex
	client     *client
	slave      *subprocess.Subprocess
	interfaces map[string]Interface
	x11        *x11Forward
	closed     bool
}

// NewNode spawns a nemu-slave process unshared into a fresh network
// namespace and establishes the control connection to it. settings
// supplies the environment-probe search directories, handed to the slave
// through its environment since the slave is the process that runs the
// probe; pass nil for defaults.
func NewNode(ctx context.Context, name string, settings *nemuutil.Settings) (*Node, error) {
	if name == "" {
		return nil, nemuutil.NewConfigError("name", name, "must not be empty")
	}
	if settings == nil {
		settings = nemuutil.Global()
	}

	parentEnd, childEnd, err := socketpair()
	if err != nil {
		return nil, err
	}

	slaveBin, err := resolveSlaveBinary()
	if err != nil {
		parentEnd.Close()
		childEnd.Close()
		return nil, err
	}

	env := os.Environ()
	if len(settings.ExtraDirs) > 0 {
		env = append(env, environment.ExtraDirsEnv+"="+strings.Join(settings.ExtraDirs, ":"))
	}

	sp, err := subprocess.New(ctx, subprocess.Options{
		Argv:       []string{slaveBin},
		Env:        env,
		ExtraFiles: []*os.File{childEnd},
		Unshare:    syscall.CLONE_NEWNET,
	})
	childEnd.Close() // the child has its own duplicate past exec
	if err != nil {
		parentEnd.Close()
		return nil, fmt.Errorf("nemu: spawn slave for node %s: %w", name, err)
	}

	conn, err := net.FileConn(parentEnd)
	parentEnd.Close() // net.FileConn dup'd it
	if err != nil {
		sp.Destroy()
		return nil, fmt.Errorf("nemu: adopt control fd for node %s: %w", name, err)
	}

	c, err := newClient(name, conn)
	if err != nil {
		sp.Destroy()
		return nil, err
	}

	n := &Node{
		Name:       name,
		client:     c,
		slave:      sp,
		interfaces: make(map[string]Interface),
	}

	if err := n.adoptLoopback(ctx); err != nil {
		n.Close()
		return nil, fmt.Errorf("nemu: node %s: %w", name, err)
	}

	nemuutil.WithNode(name).Info("nemu: node started")
	return n, nil
}

// adoptLoopback tracks the namespace's pre-existing "lo" device as an
// ImportedNodeInterface with migrate=false (it must never be migrated
// back to the host on destroy) and brings it up, satisfying the
// invariant that every node's interface set always contains an up "lo".
func (n *Node) adoptLoopback(ctx context.Context) error {
	l, err := n.findLinkByName(ctx, "lo")
	if err != nil {
		return fmt.Errorf("adopt loopback: %w", err)
	}
	lo := &ImportedNodeInterface{
		linkHandle: &linkHandle{ifindex: l.Index, name: l.Name, backend: &remoteLinkBackend{node: n, ifindex: l.Index}},
		node:       n,
		orig:       l,
		migrate:    false,
	}
	if err := lo.SetUp(ctx, true); err != nil {
		return fmt.Errorf("bring up loopback: %w", err)
	}
	n.trackInterface(lo)
	return nil
}

// resolveSlaveBinary looks next to the running executable first (the
// layout `go build ./...` produces when cmd/nemuctl and cmd/nemu-slave
// share a bin directory), then falls back to $PATH.
func resolveSlaveBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), slaveBinaryName)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(slaveBinaryName)
	if err != nil {
		return "", nemuutil.NewConfigError("nemu-slave", slaveBinaryName, "not found next to the running binary or in $PATH")
	}
	return path, nil
}

// socketpair creates a connected UNIX SOCK_STREAM pair, the control
// channel later passed to the child as fd 3.
func socketpair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("nemu: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "nemu-control-parent"),
		os.NewFile(uintptr(fds[1]), "nemu-control-child"), nil
}

// Pid returns the slave process's pid, e.g. for `ip netns identify`-style
// external inspection.
func (n *Node) Pid() int { return n.slave.Pid() }

// Close tears the node down: every tracked interface is destroyed first,
// best-effort, then the slave is sent QUIT and, if it doesn't exit,
// TERM/KILL. The node tracks no interfaces once this returns.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	interfaces := make([]Interface, 0, len(n.interfaces))
	for _, iface := range n.interfaces {
		interfaces = append(interfaces, iface)
	}
	n.interfaces = nil
	n.mu.Unlock()

	// Destruction order matters: interfaces before slave shutdown.
	// Host-side state (a NodeInterface's control end, a restored
	// ImportedInterface) does not disappear just because the node's
	// namespace is torn down, so every tracked interface must be
	// destroyed explicitly first, best-effort.
	for _, iface := range interfaces {
		if err := iface.destroy(context.Background()); err != nil {
			nemuutil.WithNode(n.Name).WithField("error", err).Warn("nemu: node close: interface destroy failed")
		}
	}

	n.closeX11()

	if err := n.client.close(); err != nil {
		nemuutil.WithNode(n.Name).WithField("error", err).Warn("nemu: node close: control connection close failed")
	}
	n.slave.Destroy()
	nemuutil.WithNode(n.Name).Info("nemu: node stopped")
	return nil
}

func (n *Node) checkAlive() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nemuutil.NewLifecycleError(n.Name)
	}
	if rc := n.slave.Poll(); rc != nil {
		n.closed = true
		return nemuutil.NewLifecycleError(n.Name)
	}
	return nil
}

// slaveAlive reports whether the slave process itself is still running,
// regardless of whether the node has been marked closed. Destructors use
// this rather than checkAlive: during Node.Close the node is already
// flagged closed, but the slave is still up and must keep serving the
// interface-teardown RPCs.
func (n *Node) slaveAlive() bool {
	return n.slave.Poll() == nil
}

// GetInterfaces returns every interface currently tracked on this node.
func (n *Node) GetInterfaces() []Interface {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Interface, 0, len(n.interfaces))
	for _, iface := range n.interfaces {
		out = append(out, iface)
	}
	return out
}

// GetInterface looks up a tracked interface by its current name.
func (n *Node) GetInterface(name string) (Interface, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	iface, ok := n.interfaces[name]
	return iface, ok
}

func (n *Node) trackInterface(iface Interface) {
	n.mu.Lock()
	n.interfaces[iface.Name()] = iface
	n.mu.Unlock()
}

func (n *Node) untrackInterface(name string) {
	n.mu.Lock()
	delete(n.interfaces, name)
	n.mu.Unlock()
}

// DelIf removes and destroys a tracked interface by name.
func (n *Node) DelIf(ctx context.Context, name string) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	iface, ok := n.GetInterface(name)
	if !ok {
		return nemuutil.NewRemoteKeyError("no interface named " + name)
	}
	if err := iface.destroy(ctx); err != nil {
		return err
	}
	n.untrackInterface(name)
	return nil
}

// AddRoute installs a route inside the node's namespace.
func (n *Node) AddRoute(ctx context.Context, r Route) error {
	return n.routeOp(ctx, "ADD", r)
}

// DelRoute removes a route from the node's namespace.
func (n *Node) DelRoute(ctx context.Context, r Route) error {
	return n.routeOp(ctx, "DEL", r)
}

func (n *Node) routeOp(ctx context.Context, sub string, r Route) error {
	if err := n.checkAlive(); err != nil {
		return err
	}
	ifnr := "0"
	if r.Interface != "" {
		iface, ok := n.GetInterface(r.Interface)
		if !ok {
			return nemuutil.NewRemoteKeyError("no interface named " + r.Interface)
		}
		ifnr = strconv.Itoa(iface.index())
	}
	_, err := n.client.call("ROUT", sub, string(r.Type), r.Prefix, strconv.Itoa(r.PrefixLen),
		r.Nexthop, ifnr, strconv.Itoa(r.Metric))
	return err
}

// GetRoutes lists the node's current routing table.
func (n *Node) GetRoutes(ctx context.Context) ([]Route, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	reply, err := n.client.call("ROUT", "LIST")
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	byIndex := make(map[int]string, len(n.interfaces))
	for name, iface := range n.interfaces {
		byIndex[iface.index()] = name
	}
	n.mu.Unlock()

	var routes []Route
	for _, line := range reply.Lines {
		if line == "" {
			continue
		}
		r, ifnr, err := parseRouteLine(line)
		if err != nil {
			return nil, err
		}
		r.Interface = byIndex[ifnr]
		routes = append(routes, r)
	}
	return routes, nil
}

// parseRouteLine parses one "type prefix prefixlen nexthop ifindex metric"
// line, the wire format formatRoute writes on the slave side, returning
// the Route (Interface left blank, resolved by the caller) and the raw
// kernel ifindex.
func parseRouteLine(line string) (Route, int, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return Route{}, 0, nemuutil.NewProtocolError("malformed ROUT LIST line " + line)
	}
	plen, err := strconv.Atoi(fields[2])
	if err != nil {
		return Route{}, 0, nemuutil.NewProtocolError("bad route prefix length in " + line)
	}
	ifnr, err := strconv.Atoi(fields[4])
	if err != nil {
		return Route{}, 0, nemuutil.NewProtocolError("bad route ifindex in " + line)
	}
	metric, err := strconv.Atoi(fields[5])
	if err != nil {
		return Route{}, 0, nemuutil.NewProtocolError("bad route metric in " + line)
	}
	return Route{
		Type:      RouteType(fields[0]),
		Prefix:    fields[1],
		PrefixLen: plen,
		Nexthop:   fields[3],
		Metric:    metric,
	}, ifnr, nil
}

// Route is the master-side view of one kernel route inside a node.
type Route struct {
	Type      RouteType
	Prefix    string
	PrefixLen int
	Nexthop   string
	Interface string // tracked interface name, "" if unset
	Metric    int
}

// RouteType mirrors kernelcfg.RouteType without importing pkg/kernelcfg
// into the master-side API (the master never runs these inside its own
// namespace).
type RouteType string

const (
	RouteUnicast     RouteType = "unicast"
	RouteLocal       RouteType = "local"
	RouteBroadcast   RouteType = "broadcast"
	RouteMulticast   RouteType = "multicast"
	RouteThrow       RouteType = "throw"
	RouteUnreachable RouteType = "unreachable"
	RouteProhibit    RouteType = "prohibit"
	RouteBlackhole   RouteType = "blackhole"
	RouteNat         RouteType = "nat"
)

// Subprocess starts argv inside the node's namespace and returns a handle
// for poll/wait/signal, without capturing any output.
func (n *Node) Subprocess(ctx context.Context, argv []string, runAsUser string) (*RemoteProcess, error) {
	if err := n.checkAlive(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, nemuutil.NewConfigError("argv", "", "must not be empty")
	}
	if _, err := n.client.call(append([]string{"PROC", "CRTE"}, argv...)...); err != nil {
		return nil, err
	}
	if runAsUser != "" {
		if _, err := n.client.call("PROC", "USER", runAsUser); err != nil {
			n.client.call("PROC", "ABRT")
			return nil, err
		}
	}
	if env := n.x11Env(); len(env) > 0 {
		tokens := []string{"PROC", "ENV"}
		for _, kv := range env {
			k, v := splitEnv(kv)
			tokens = append(tokens, k, v)
		}
		if _, err := n.client.call(tokens...); err != nil {
			n.client.call("PROC", "ABRT")
			return nil, err
		}
	}
	reply, err := n.client.call("PROC", "RUN")
	if err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(reply.Text()))
	if err != nil {
		return nil, nemuutil.NewProtocolError("malformed PROC RUN pid reply " + reply.Text())
	}
	return &RemoteProcess{node: n, pid: pid}, nil
}

// System runs argv inside the node's namespace, waits for it, and returns
// its exit code. A thin convenience over Subprocess, kept because the
// user-facing API names `system` as a first-class operation distinct from
// building a Subprocess by hand.
func (n *Node) System(ctx context.Context, argv []string) (int, error) {
	sp, err := n.Subprocess(ctx, argv, "")
	if err != nil {
		return -1, err
	}
	return sp.Wait()
}

// Backticks runs argv inside the node's namespace and returns its captured
// stdout regardless of exit status.
func (n *Node) Backticks(ctx context.Context, argv []string) (string, error) {
	out, _, err := n.runCapture(ctx, argv)
	return out, err
}

// BackticksRaise is Backticks with the executor's raise-on-nonzero policy:
// a non-zero exit is an error carrying the exit code.
func (n *Node) BackticksRaise(ctx context.Context, argv []string) (string, error) {
	out, rc, err := n.runCapture(ctx, argv)
	if err != nil {
		return out, err
	}
	if rc != 0 {
		return out, nemuutil.NewKernelError(argv, rc, "non-zero exit")
	}
	return out, nil
}

func (n *Node) runCapture(ctx context.Context, argv []string) (string, int, error) {
	p, err := n.NewPopen(ctx, argv, PopenOptions{Stdout: PIPE})
	if err != nil {
		return "", -1, err
	}
	var out []byte
	if p.Stdout != nil {
		out, _ = io.ReadAll(p.Stdout)
	}
	rc, err := p.Wait()
	return string(out), rc, err
}

// RemoteProcess is a handle to a process running inside a node's
// namespace, tracked by the slave by pid.
type RemoteProcess struct {
	node *Node
	pid  int
}

func (p *RemoteProcess) Pid() int { return p.pid }

// Poll returns the exit code if the process has exited, or nil if it is
// still running.
func (p *RemoteProcess) Poll() (*int, error) {
	reply, err := p.node.client.call("PROC", "POLL", strconv.Itoa(p.pid))
	if err != nil {
		if re, ok := err.(*nemuutil.RemoteError); ok && re.Kind == nemuutil.RemoteKeyError {
			return nil, nil // already reaped by a prior POLL/WAIT
		}
		return nil, err
	}
	if reply.Code == rpc.CodeNotFinished {
		return nil, nil
	}
	rc, err := strconv.Atoi(strings.TrimSpace(reply.Text()))
	if err != nil {
		return nil, nemuutil.NewProtocolError("malformed PROC POLL reply " + reply.Text())
	}
	return &rc, nil
}

// Wait blocks until the process exits and returns its exit code.
func (p *RemoteProcess) Wait() (int, error) {
	reply, err := p.node.client.call("PROC", "WAIT", strconv.Itoa(p.pid))
	if err != nil {
		return 0, err
	}
	rc, err := strconv.Atoi(strings.TrimSpace(reply.Text()))
	if err != nil {
		return 0, nemuutil.NewProtocolError("malformed PROC WAIT reply " + reply.Text())
	}
	return rc, nil
}

// Signal sends sig to the process's group.
func (p *RemoteProcess) Signal(sig int) error {
	_, err := p.node.client.call("PROC", "KILL", strconv.Itoa(p.pid), strconv.Itoa(sig))
	return err
}
