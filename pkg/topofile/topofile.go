// Package topofile loads a declarative YAML topology file describing
// nodes, switches, links, and interface addresses, and materialises it
// into a live Deployment by driving pkg/topology. Routes are not part of
// the file format.
package topofile

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
	"github.com/nemu-network/nemu/pkg/topology"
)

// File is the top-level shape of a topology YAML document.
type File struct {
	Nodes    map[string]NodeSpec   `yaml:"nodes"`
	Switches map[string]SwitchSpec `yaml:"switches"`
	Links    []LinkSpec            `yaml:"links"`
}

// NodeSpec declares one node and whether X11 forwarding is enabled for it.
// Its interfaces and their addresses come from the LinkSpecs that name it.
type NodeSpec struct {
	ForwardX11 bool `yaml:"forward_x11"`
}

// SwitchSpec declares one switch and its link-emulation parameters.
type SwitchSpec struct {
	Bandwidth          int64   `yaml:"bandwidth"`
	Delay              float64 `yaml:"delay"`
	DelayJitter        float64 `yaml:"delay_jitter"`
	DelayCorrelation   float64 `yaml:"delay_correlation"`
	DelayDistribution  string  `yaml:"delay_distribution"`
	Loss               float64 `yaml:"loss"`
	LossCorrelation    float64 `yaml:"loss_correlation"`
	Dup                float64 `yaml:"dup"`
	DupCorrelation     float64 `yaml:"dup_correlation"`
	Corrupt            float64 `yaml:"corrupt"`
	CorruptCorrelation float64 `yaml:"corrupt_correlation"`
}

func (s SwitchSpec) params() kernelcfg.TCParams {
	return kernelcfg.TCParams{
		Bandwidth: s.Bandwidth, Delay: s.Delay, DelayJitter: s.DelayJitter,
		DelayCorrelation: s.DelayCorrelation, DelayDistribution: s.DelayDistribution,
		Loss: s.Loss, LossCorrelation: s.LossCorrelation,
		Dup: s.Dup, DupCorrelation: s.DupCorrelation,
		Corrupt: s.Corrupt, CorruptCorrelation: s.CorruptCorrelation,
	}
}

// LinkSpec connects a node's interface to a peer: either another node
// (a point-to-point link, PeerNode set) or a switch (Switch set).
// Address/PrefixLen/Broadcast configure the node-side endpoint. No route
// is configured from a LinkSpec.
type LinkSpec struct {
	Node      string `yaml:"node"`
	Switch    string `yaml:"switch"`    // set for a node-switch link
	PeerNode  string `yaml:"peer_node"` // set for a point-to-point link
	Address   string `yaml:"address"`
	PrefixLen int    `yaml:"prefix_len"`
	Broadcast string `yaml:"broadcast"`
	// PeerAddress/PeerPrefixLen configure the far end of a point-to-point
	// link in the same LinkSpec, since a p2p pair is a single kernel
	// object with two addressable ends.
	PeerAddress   string `yaml:"peer_address"`
	PeerPrefixLen int    `yaml:"peer_prefix_len"`
}

// Load parses a topology YAML document from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nemu: topofile: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("nemu: topofile: parse %s: %w", path, err)
	}
	return &f, nil
}

// Deployment is the live object graph materialised from a File: every
// Node and Switch it created, keyed by the name used in the YAML. Closing
// it closes every node first (Node.Close destroys the interfaces each node
// owns) and then every switch.
type Deployment struct {
	Nodes    map[string]*topology.Node
	Switches map[string]*topology.Switch
	env      *environment.Environment
}

// Up materialises every node, switch, and link declared in f, applying
// addresses as it goes. On any failure it tears down everything already
// created before returning the error, so a failed Up never leaks kernel
// state.
func Up(ctx context.Context, f *File, settings *nemuutil.Settings) (*Deployment, error) {
	var extraDirs []string
	if settings != nil {
		extraDirs = settings.ExtraDirs
	}
	env, err := environment.Probe(extraDirs...)
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		Nodes:    make(map[string]*topology.Node),
		Switches: make(map[string]*topology.Switch),
		env:      env,
	}

	if err := d.createNodes(ctx, f, settings); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createSwitches(ctx, f); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.createLinks(ctx, f); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deployment) createNodes(ctx context.Context, f *File, settings *nemuutil.Settings) error {
	// Sorted iteration keeps topology-file replays deterministic; map
	// order would otherwise make log output and error messages vary
	// between runs of the identical file.
	names := sortedKeys(f.Nodes)
	for _, name := range names {
		spec := f.Nodes[name]
		n, err := topology.NewNode(ctx, name, settings)
		if err != nil {
			return fmt.Errorf("nemu: topofile: node %s: %w", name, err)
		}
		if spec.ForwardX11 {
			if err := n.EnableX11(ctx, ""); err != nil {
				return fmt.Errorf("nemu: topofile: node %s: enable x11: %w", name, err)
			}
		}
		d.Nodes[name] = n
	}
	return nil
}

func (d *Deployment) createSwitches(ctx context.Context, f *File) error {
	names := sortedKeys(f.Switches)
	for _, name := range names {
		spec := f.Switches[name]
		sw, err := topology.NewSwitch(ctx, d.env)
		if err != nil {
			return fmt.Errorf("nemu: topofile: switch %s: %w", name, err)
		}
		if err := sw.SetParameters(ctx, spec.params()); err != nil {
			return fmt.Errorf("nemu: topofile: switch %s: set parameters: %w", name, err)
		}
		d.Switches[name] = sw
	}
	return nil
}

func (d *Deployment) createLinks(ctx context.Context, f *File) error {
	for i, link := range f.Links {
		node, ok := d.Nodes[link.Node]
		if !ok {
			return fmt.Errorf("nemu: topofile: link %d: unknown node %q", i, link.Node)
		}
		switch {
		case link.Switch != "":
			sw, ok := d.Switches[link.Switch]
			if !ok {
				return fmt.Errorf("nemu: topofile: link %d: unknown switch %q", i, link.Switch)
			}
			ni, err := node.AddIf(ctx)
			if err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if err := sw.Connect(ctx, ni); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: connect to switch %q: %w", i, link.Switch, err)
			}
			if err := ni.SetUp(ctx, true); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if err := applyAddress(ctx, ni, link); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}

		case link.PeerNode != "":
			peer, ok := d.Nodes[link.PeerNode]
			if !ok {
				return fmt.Errorf("nemu: topofile: link %d: unknown peer node %q", i, link.PeerNode)
			}
			a, b, err := topology.CreateP2PPair(ctx, node, peer)
			if err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if err := a.SetUp(ctx, true); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if err := b.SetUp(ctx, true); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if err := applyAddress(ctx, a, link); err != nil {
				return fmt.Errorf("nemu: topofile: link %d: %w", i, err)
			}
			if link.PeerAddress != "" {
				peerLink := LinkSpec{Address: link.PeerAddress, PrefixLen: link.PeerPrefixLen}
				if err := applyAddress(ctx, b, peerLink); err != nil {
					return fmt.Errorf("nemu: topofile: link %d: peer: %w", i, err)
				}
			}

		default:
			return fmt.Errorf("nemu: topofile: link %d: must set either switch or peer_node", i)
		}
	}
	return nil
}

// addressable is the subset of topology.Interface applyAddress needs;
// both NodeInterface and P2PInterface satisfy it.
type addressable interface {
	AddAddress(ctx context.Context, a topology.Address) error
}

func applyAddress(ctx context.Context, iface addressable, link LinkSpec) error {
	if link.Address == "" {
		return nil
	}
	v6 := isV6(link.Address)
	return iface.AddAddress(ctx, topology.Address{
		V6: v6, Addr: link.Address, PrefixLen: link.PrefixLen, Broadcast: link.Broadcast,
	})
}

func isV6(addr string) bool {
	for _, c := range addr {
		if c == ':' {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close tears down every node and switch this Deployment created, node
// interfaces first (a node's own Close already destroys the interfaces
// it owns, including veth control ends sitting on a switch) then the
// switches themselves, best-effort, logging rather than stopping at the
// first failure so one stuck node doesn't leak the rest of the topology.
func (d *Deployment) Close() error {
	var firstErr error
	for name, n := range d.Nodes {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("node %s: %w", name, err)
		}
	}
	for name, sw := range d.Switches {
		if err := sw.Close(context.Background()); err != nil {
			nemuutil.WithField("switch", name).WithField("error", err).Warn("nemu: topofile: switch teardown failed")
		}
	}
	return firstErr
}
