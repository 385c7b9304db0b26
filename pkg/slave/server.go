// Package slave implements the in-namespace RPC server: it runs inside
// the forked, namespace-unshared child, accepts one connection from the
// master over a UNIX socket pair, and dispatches protocol commands onto
// pkg/kernelcfg and pkg/subprocess.
package slave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/rpc"
	"github.com/nemu-network/nemu/pkg/subprocess"
)

// Server is one slave instance bound to a single control connection.
type Server struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	env  *environment.Environment

	mu       sync.Mutex
	children map[int]*subprocess.Subprocess
	tmpFiles []string // xauth temp files to unlink on shutdown

	build *procBuild // non-nil while in proc-build mode

	x11 *x11State // non-nil once X11 SET has run
}

// New constructs a Server bound to conn. env is the probed environment;
// the Server stores it, and no handler currently reads it.
func New(conn net.Conn, env *environment.Environment) *Server {
	return &Server{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		env:      env,
		children: make(map[int]*subprocess.Subprocess),
	}
}

// Serve writes the greeting and loops reading/dispatching commands until
// QUIT or EOF, then runs the shutdown sequence.
func (s *Server) Serve(ctx context.Context) error {
	nemuutil.ReinitIfForked()
	if err := rpc.WriteReply(s.w, rpc.CodeGreeting, "nemu slave ready"); err != nil {
		return err
	}

	for {
		tokens, err := rpc.ReadCommand(s.r)
		if err != nil {
			s.shutdown(ctx)
			return nil // EOF or conn error both trigger shutdown, not a server failure
		}
		if len(tokens) == 0 {
			continue // blank line, parser invariant: ignore
		}

		cmd, perr := rpc.ParseCommand(tokens)
		if perr != nil {
			// A 500 mid-build leaves the server in proc-build mode only
			// when the offending line named a proc-build command; any
			// other malformed line reverts to base mode.
			if s.build != nil && !rpc.IsProcBuildTokens(tokens) {
				s.build = nil
			}
			s.replyProtocolError(perr)
			continue
		}

		if s.build != nil && !cmd.IsProcBuild() {
			// Only the proc-build command set (plus QUIT/HELP) is legal
			// mid-build; anything else is rejected and reverts to base
			// mode without being dispatched.
			s.build = nil
			s.replyProtocolError(nemuutil.NewProtocolError(cmd.Name + " not allowed while PROC CRTE is unfinished"))
			continue
		}

		isBuild := s.build != nil && cmd.IsProcBuild()
		quit, err := s.dispatch(ctx, cmd)
		if err != nil {
			if errors.Is(err, nemuutil.ErrProtocol) {
				// A protocol-class failure on a proc-build command stays in
				// build mode; handlers that must force an exit (a failed
				// fd transfer) clear it themselves.
				s.replyProtocolError(err)
			} else {
				if isBuild {
					s.build = nil
				}
				if werr := rpc.WriteException(s.w, err); werr != nil {
					return werr
				}
			}
		}
		if quit {
			s.shutdown(ctx)
			return nil
		}
	}
}

func (s *Server) replyProtocolError(err error) {
	rpc.WriteReply(s.w, rpc.CodeProtocol, err.Error())
}

// dispatch runs one command, returning quit=true for QUIT.
func (s *Server) dispatch(ctx context.Context, cmd rpc.Command) (quit bool, err error) {
	switch cmd.Name {
	case "QUIT":
		rpc.WriteReply(s.w, rpc.CodeGoodbye, "bye")
		return true, nil
	case "HELP":
		return false, s.handleHelp()
	case "X11":
		return false, s.handleX11(ctx, cmd)
	case "IF":
		return false, s.handleIF(ctx, cmd)
	case "ADDR":
		return false, s.handleAddr(ctx, cmd)
	case "ROUT":
		return false, s.handleRoute(ctx, cmd)
	case "PROC":
		return false, s.handleProc(ctx, cmd)
	default:
		return false, nemuutil.NewProtocolError("unhandled command " + cmd.Name)
	}
}

func (s *Server) handleHelp() error {
	return rpc.WriteReply(s.w, rpc.CodeOK, "commands: QUIT HELP X11 IF ADDR ROUT PROC")
}

func atoiArg(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (s *Server) handleIF(ctx context.Context, cmd rpc.Command) error {
	switch cmd.Sub {
	case "LIST":
		links, err := kernelcfg.GetLinks(ctx)
		if err != nil {
			return err
		}
		if len(cmd.Args) == 1 {
			idx := atoiArg(cmd.Args[0])
			for _, l := range links {
				if l.Index == idx {
					return rpc.WriteReply(s.w, rpc.CodeOK, formatLink(l))
				}
			}
			return nemuutil.NewRemoteKeyError(fmt.Sprintf("no interface with index %d", idx))
		}
		lines := make([]string, 0, len(links))
		for _, l := range links {
			lines = append(lines, formatLink(l))
		}
		if len(lines) == 0 {
			lines = []string{""}
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, lines...)

	case "SET":
		idx := atoiArg(cmd.Args[0])
		link, err := kernelcfg.GetLink(ctx, idx)
		if err != nil {
			return nemuutil.NewRemoteKeyError(err.Error())
		}
		opts, err := parseSetLinkOpts(cmd.Args[1:])
		if err != nil {
			return err
		}
		if err := kernelcfg.SetLink(ctx, link.Name, opts); err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "RTRN":
		idx := atoiArg(cmd.Args[0])
		targetPid := atoiArg(cmd.Args[1])
		link, err := kernelcfg.GetLink(ctx, idx)
		if err != nil {
			return nemuutil.NewRemoteKeyError(err.Error())
		}
		if err := kernelcfg.ChangeNetns(ctx, link.Name, targetPid); err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "DEL":
		idx := atoiArg(cmd.Args[0])
		link, err := kernelcfg.GetLink(ctx, idx)
		if err != nil {
			return nemuutil.NewRemoteKeyError(err.Error())
		}
		if err := kernelcfg.DelIf(ctx, link.Name); err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")
	}
	return nemuutil.NewProtocolError("unhandled IF sub-command " + cmd.Sub)
}

func formatLink(l kernelcfg.Link) string {
	up := "0"
	if l.Up {
		up = "1"
	}
	return fmt.Sprintf("%d %s %s %d %s %s", l.Index, l.Name, up, l.MTU, l.LLAddr, l.Broadcast)
}

// parseSetLinkOpts turns repeated attr/value pairs into SetLinkOpts, per
// the IF SET grammar.
func parseSetLinkOpts(pairs []string) (kernelcfg.SetLinkOpts, error) {
	var opts kernelcfg.SetLinkOpts
	if len(pairs)%2 != 0 {
		return opts, nemuutil.NewProtocolError("IF SET attr/value pairs must be even in count")
	}
	for i := 0; i < len(pairs); i += 2 {
		attr, val := pairs[i], pairs[i+1]
		switch attr {
		case "name":
			opts.Name = val
		case "mtu":
			opts.MTU = atoiArg(val)
		case "lladdr":
			opts.LLAddr = val
		case "broadcast":
			opts.Broadcast = val
		case "up":
			b := val == "1"
			opts.Up = &b
		case "multicast":
			b := val == "1"
			opts.Multicast = &b
		case "arp":
			b := val == "1"
			opts.ARP = &b
		default:
			return opts, nemuutil.NewProtocolError("unknown IF SET attribute " + attr)
		}
	}
	return opts, nil
}

func (s *Server) handleAddr(ctx context.Context, cmd rpc.Command) error {
	switch cmd.Sub {
	case "LIST":
		if len(cmd.Args) == 1 {
			idx := atoiArg(cmd.Args[0])
			link, err := kernelcfg.GetLink(ctx, idx)
			if err != nil {
				return nemuutil.NewRemoteKeyError(err.Error())
			}
			addrs, err := kernelcfg.GetAddresses(ctx, link.Name)
			if err != nil {
				return err
			}
			lines := make([]string, 0, len(addrs))
			for _, a := range addrs {
				lines = append(lines, formatAddr(a))
			}
			if len(lines) == 0 {
				lines = []string{""}
			}
			return rpc.WriteReply(s.w, rpc.CodeOK, lines...)
		}
		// No ifnr: every interface's addresses, each line prefixed with
		// the owning ifindex.
		links, err := kernelcfg.GetLinks(ctx)
		if err != nil {
			return err
		}
		var lines []string
		for _, link := range links {
			addrs, err := kernelcfg.GetAddresses(ctx, link.Name)
			if err != nil {
				return err
			}
			for _, a := range addrs {
				lines = append(lines, fmt.Sprintf("%d %s", link.Index, formatAddr(a)))
			}
		}
		if len(lines) == 0 {
			lines = []string{""}
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, lines...)

	case "ADD":
		link, err := kernelcfg.GetLink(ctx, atoiArg(cmd.Args[0]))
		if err != nil {
			return nemuutil.NewRemoteKeyError(err.Error())
		}
		a := kernelcfg.Address{Addr: cmd.Args[1], PrefixLen: atoiArg(cmd.Args[2])}
		a.Family = familyOf(a.Addr)
		if len(cmd.Args) > 3 {
			a.Broadcast = cmd.Args[3]
		}
		if err := kernelcfg.AddAddr(ctx, link.Name, a); err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")

	case "DEL":
		link, err := kernelcfg.GetLink(ctx, atoiArg(cmd.Args[0]))
		if err != nil {
			return nemuutil.NewRemoteKeyError(err.Error())
		}
		a := kernelcfg.Address{Addr: cmd.Args[1], PrefixLen: atoiArg(cmd.Args[2])}
		a.Family = familyOf(a.Addr)
		if err := kernelcfg.DelAddr(ctx, link.Name, a); err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")
	}
	return nemuutil.NewProtocolError("unhandled ADDR sub-command " + cmd.Sub)
}

func familyOf(addr string) kernelcfg.AddrFamily {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return kernelcfg.FamilyInet6
		}
	}
	return kernelcfg.FamilyInet
}

func formatAddr(a kernelcfg.Address) string {
	fam := "4"
	if a.Family == kernelcfg.FamilyInet6 {
		fam = "6"
	}
	return fmt.Sprintf("%s %s %d %s", fam, a.Addr, a.PrefixLen, a.Broadcast)
}

func (s *Server) handleRoute(ctx context.Context, cmd rpc.Command) error {
	switch cmd.Sub {
	case "LIST":
		routes, err := kernelcfg.GetRoutes(ctx)
		if err != nil {
			return err
		}
		lines := make([]string, 0, len(routes))
		for _, r := range routes {
			lines = append(lines, formatRoute(r))
		}
		if len(lines) == 0 {
			lines = []string{""}
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, lines...)

	case "ADD", "DEL":
		r := kernelcfg.Route{
			Type:      kernelcfg.RouteType(cmd.Args[0]),
			Prefix:    cmd.Args[1],
			PrefixLen: atoiArg(cmd.Args[2]),
			Nexthop:   cmd.Args[3],
			IfIndex:   atoiArg(cmd.Args[4]),
			Metric:    atoiArg(cmd.Args[5]),
		}
		ifname := ""
		if r.IfIndex != 0 {
			link, err := kernelcfg.GetLink(ctx, r.IfIndex)
			if err != nil {
				return nemuutil.NewRemoteKeyError(err.Error())
			}
			ifname = link.Name
		}
		var err error
		if cmd.Sub == "ADD" {
			err = kernelcfg.AddRoute(ctx, r, ifname)
		} else {
			err = kernelcfg.DelRoute(ctx, r, ifname)
		}
		if err != nil {
			return err
		}
		return rpc.WriteReply(s.w, rpc.CodeOK, "ok")
	}
	return nemuutil.NewProtocolError("unhandled ROUT sub-command " + cmd.Sub)
}

func formatRoute(r kernelcfg.Route) string {
	return fmt.Sprintf("%s %s %d %s %d %d", r.Type, r.Prefix, r.PrefixLen, r.Nexthop, r.IfIndex, r.Metric)
}

// removeChild drops pid from the tracked set; called whenever a
// POLL/WAIT observes termination.
func (s *Server) removeChild(pid int) {
	s.mu.Lock()
	delete(s.children, pid)
	s.mu.Unlock()
}

func (s *Server) addChild(pid int, sp *subprocess.Subprocess) {
	s.mu.Lock()
	s.children[pid] = sp
	s.mu.Unlock()
}

// shutdown tears the slave down: TERM every tracked child, wait up to a
// grace period each, KILL stragglers, reap, unlink xauth temp files,
// close the connection.
func (s *Server) shutdown(ctx context.Context) {
	s.mu.Lock()
	children := make([]*subprocess.Subprocess, 0, len(s.children))
	for _, sp := range s.children {
		children = append(children, sp)
	}
	s.mu.Unlock()

	for _, sp := range children {
		sp.Destroy() // already implements TERM-then-KILL-after-grace
	}

	if s.build != nil {
		s.build.closeFDs()
		s.build = nil
	}

	if s.x11 != nil && s.x11.listenerFile != nil {
		if err := s.x11.listenerFile.Close(); err != nil {
			nemuutil.WithField("error", err).Warn("nemu: slave shutdown: x11 listener close failed")
		}
	}

	for _, path := range s.tmpFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			nemuutil.WithField("path", path).WithField("error", err).Warn("nemu: slave shutdown: unlink xauth temp file failed")
		}
	}

	s.conn.Close()
}
