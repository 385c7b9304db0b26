package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Switch models a Linux bridge: the base interface attributes (name, up,
// mtu, ...) plus bridge-specific timers and a link-emulation parameter
// set applied per connected port. STP is forced off and forward_delay to
// 0 at construction — nemu prioritises start-up latency over correctness
// under accidental loops.
type Switch struct {
	*linkHandle

	env *environment.Environment

	mu     sync.Mutex
	ports  map[int]*SlaveInterface // by control-end ifindex, weakly held
	params kernelcfg.TCParams
}

// NewSwitch creates a bridge and forces STP off / forward_delay 0.
func NewSwitch(ctx context.Context, env *environment.Environment) (*Switch, error) {
	name := kernelcfg.NewBridgeName()
	if err := kernelcfg.CreateBridge(ctx, name); err != nil {
		return nil, err
	}
	if err := kernelcfg.SetBridgeAttrs(name, kernelcfg.BridgeAttrs{STP: false, ForwardDelay: 0}); err != nil {
		kernelcfg.DeleteBridge(ctx, name)
		return nil, err
	}
	l, err := kernelcfg.GetLinkByName(ctx, name)
	if err != nil {
		kernelcfg.DeleteBridge(ctx, name)
		return nil, err
	}
	sw := &Switch{
		linkHandle: &linkHandle{ifindex: l.Index, name: l.Name, backend: &localLinkBackend{name: l.Name}},
		env:        env,
		ports:      make(map[int]*SlaveInterface),
	}
	// A bridge is brought up so traffic actually forwards between ports;
	// individual ports still mirror the switch's Up state on connect.
	if err := sw.SetUp(ctx, true); err != nil {
		kernelcfg.DeleteBridge(ctx, name)
		return nil, err
	}
	return sw, nil
}

// Close tears the bridge down: every live port is disconnected (restored
// to an unshaped qdisc state) before the bridge device itself is deleted.
// Connected NodeInterfaces are not destroyed by this call — a Switch only
// ever held weak references to their control ends, and the owning Node
// remains responsible for them.
func (s *Switch) Close(ctx context.Context) error {
	return s.destroy(ctx)
}

func (s *Switch) destroy(ctx context.Context) error {
	s.mu.Lock()
	ports := make([]*SlaveInterface, 0, len(s.ports))
	for _, p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()
	for _, p := range ports {
		s.Disconnect(ctx, p)
	}
	if err := s.SetUp(ctx, false); err != nil {
		nemuutil.WithInterface(s.name).WithField("error", err).Warn("nemu: switch destroy: bridge down failed")
	}
	return kernelcfg.DeleteBridge(ctx, s.name)
}

// SetUp brings the bridge device up or down and mirrors the new state
// onto every live port, so a switch-wide down really quiesces the
// segment instead of leaving ports forwarding into a dead bridge.
func (s *Switch) SetUp(ctx context.Context, up bool) error {
	if err := s.linkHandle.SetUp(ctx, up); err != nil {
		return err
	}
	for _, p := range s.livePorts(ctx) {
		if err := p.SetUp(ctx, up); err != nil {
			return fmt.Errorf("nemu: switch %s: propagate up=%v to port %s: %w", s.name, up, p.name, err)
		}
	}
	return nil
}

// SetMTU sets the bridge MTU and copies it to every live port (a bridge
// device's own MTU silently clamps to the smallest port MTU otherwise).
func (s *Switch) SetMTU(ctx context.Context, mtu int) error {
	if err := s.linkHandle.SetMTU(ctx, mtu); err != nil {
		return err
	}
	for _, p := range s.livePorts(ctx) {
		if err := p.SetMTU(ctx, mtu); err != nil {
			return fmt.Errorf("nemu: switch %s: propagate mtu=%d to port %s: %w", s.name, mtu, p.name, err)
		}
	}
	return nil
}

// Attrs reads the bridge's STP/timer attributes from sysfs.
func (s *Switch) Attrs() (kernelcfg.BridgeAttrs, error) {
	return kernelcfg.GetBridgeAttrs(s.name)
}

// SetAttrs writes the bridge's STP/timer attributes via sysfs.
func (s *Switch) SetAttrs(attrs kernelcfg.BridgeAttrs) error {
	return kernelcfg.SetBridgeAttrs(s.name, attrs)
}

// livePorts drops any tracked port whose control interface no longer
// exists in the kernel, logging a warning for each — ports are held as
// weak references, re-verified against the kernel before every
// connect/disconnect/set_parameters.
func (s *Switch) livePorts(ctx context.Context) []*SlaveInterface {
	s.mu.Lock()
	defer s.mu.Unlock()
	var alive []*SlaveInterface
	for idx, p := range s.ports {
		if _, err := kernelcfg.GetLink(ctx, idx); err != nil {
			nemuutil.WithInterface(s.name).WithField("port", p.name).
				Warn("nemu: switch port control end vanished, dropping")
			delete(s.ports, idx)
			continue
		}
		alive = append(alive, p)
	}
	return alive
}

// Connect plugs a NodeInterface's control end into the bridge: addif,
// then mirrors the switch's current Up and MTU onto the port and applies
// the switch's current link-emulation parameters.
func (s *Switch) Connect(ctx context.Context, ni *NodeInterface) error {
	s.livePorts(ctx)
	ctrl := ni.Control()
	if err := kernelcfg.AddBridgePort(ctx, s.name, ctrl.name); err != nil {
		return err
	}

	s.mu.Lock()
	s.ports[ctrl.ifindex] = ctrl
	params := s.params
	s.mu.Unlock()

	up, err := s.IsUp(ctx)
	if err != nil {
		return err
	}
	if err := ctrl.SetUp(ctx, up); err != nil {
		return err
	}
	mtu, err := s.MTU(ctx)
	if err == nil && mtu != 0 {
		if err := ctrl.SetMTU(ctx, mtu); err != nil {
			return err
		}
	}
	return s.applyPortTC(ctx, ctrl, params)
}

// Disconnect removes a port from the bridge and restores it to an
// unshaped qdisc state.
func (s *Switch) Disconnect(ctx context.Context, ctrl *SlaveInterface) error {
	s.livePorts(ctx)
	s.mu.Lock()
	delete(s.ports, ctrl.ifindex)
	s.mu.Unlock()

	if err := kernelcfg.DelBridgePort(ctx, s.name, ctrl.name); err != nil {
		return err
	}
	return kernelcfg.SetTC(ctx, ctrl.name, 1500, s.hz(), kernelcfg.TCParams{})
}

// SetParameters replaces the switch's link-emulation parameter set and
// reapplies the resulting qdisc tree to every live port. Calling it with
// the zero value removes all shaping.
func (s *Switch) SetParameters(ctx context.Context, params kernelcfg.TCParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()

	for _, p := range s.livePorts(ctx) {
		if err := s.applyPortTC(ctx, p, params); err != nil {
			return fmt.Errorf("nemu: set_parameters: port %s: %w", p.name, err)
		}
	}
	return nil
}

func (s *Switch) applyPortTC(ctx context.Context, ctrl *SlaveInterface, params kernelcfg.TCParams) error {
	mtu, err := ctrl.MTU(ctx)
	if err != nil {
		return err
	}
	return kernelcfg.SetTC(ctx, ctrl.name, mtu, s.hz(), params)
}

func (s *Switch) hz() int {
	if s.env != nil && s.env.HZ > 0 {
		return s.env.HZ
	}
	return 100 // conventional Linux USER_HZ default when unprobed
}
