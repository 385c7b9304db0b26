package topology

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/kernelcfg"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Address is the master-side view of one interface address, mirroring
// kernelcfg.Address without importing pkg/kernelcfg into call sites that
// only ever see addresses over RPC (a remote interface's addresses live
// in a namespace the master process is never part of).
type Address struct {
	V6        bool
	Addr      string
	PrefixLen int
	Broadcast string // IPv4 only
}

// Equal ignores Broadcast, matching kernelcfg.Address.Equal.
func (a Address) Equal(b Address) bool {
	return a.V6 == b.V6 && a.Addr == b.Addr && a.PrefixLen == b.PrefixLen
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Addr, a.PrefixLen)
}

func addressFromKernel(a kernelcfg.Address) Address {
	return Address{V6: a.Family == kernelcfg.FamilyInet6, Addr: a.Addr, PrefixLen: a.PrefixLen, Broadcast: a.Broadcast}
}

// Interface is the common handle every topology interface variant
// implements: NodeInterface, P2PInterface, ImportedNodeInterface,
// TapNodeInterface, TunNodeInterface, SlaveInterface, ImportedInterface.
// Index is immutable; every other accessor re-reads the kernel, per the
// "mirrored attributes, never cached" rule.
type Interface interface {
	Name() string
	Index() int
	SetName(ctx context.Context, name string) error
	IsUp(ctx context.Context) (bool, error)
	SetUp(ctx context.Context, up bool) error
	MTU(ctx context.Context) (int, error)
	SetMTU(ctx context.Context, mtu int) error
	LLAddr(ctx context.Context) (string, error)
	SetLLAddr(ctx context.Context, lladdr string) error
	GetAddresses(ctx context.Context) ([]Address, error)
	AddAddress(ctx context.Context, a Address) error
	DelAddress(ctx context.Context, a Address) error

	index() int          // unexported accessor used within the package (routes, switch ports)
	destroy(ctx context.Context) error
}

// linkBackend abstracts "where does this interface's kernel state live":
// directly in the master's own namespace (localLinkBackend, used for
// control ends, switches, imported host-side interfaces) or inside a
// node reached through its slave's RPC channel (remoteLinkBackend).
type linkBackend interface {
	getLink(ctx context.Context) (kernelcfg.Link, error)
	setLink(ctx context.Context, opts kernelcfg.SetLinkOpts) error
	delLink(ctx context.Context) error
	getAddrs(ctx context.Context) ([]Address, error)
	addAddr(ctx context.Context, a Address) error
	delAddr(ctx context.Context, a Address) error
}

// linkHandle implements the mutable-attribute half of Interface against a
// backend and a fixed ifindex. Every variant embeds one.
type linkHandle struct {
	ifindex int
	name    string // last-known name, refreshed on every getLink
	backend linkBackend
}

func (h *linkHandle) Name() string { return h.name }
func (h *linkHandle) Index() int   { return h.ifindex }
func (h *linkHandle) index() int   { return h.ifindex }

func (h *linkHandle) refresh(ctx context.Context) (kernelcfg.Link, error) {
	l, err := h.backend.getLink(ctx)
	if err != nil {
		return kernelcfg.Link{}, err
	}
	h.name = l.Name
	return l, nil
}

func (h *linkHandle) SetName(ctx context.Context, name string) error {
	if err := h.backend.setLink(ctx, kernelcfg.SetLinkOpts{Name: name}); err != nil {
		return err
	}
	h.name = name
	return nil
}

func (h *linkHandle) IsUp(ctx context.Context) (bool, error) {
	l, err := h.refresh(ctx)
	if err != nil {
		return false, err
	}
	return l.Up, nil
}

func (h *linkHandle) SetUp(ctx context.Context, up bool) error {
	return h.backend.setLink(ctx, kernelcfg.SetLinkOpts{Up: &up})
}

func (h *linkHandle) MTU(ctx context.Context) (int, error) {
	l, err := h.refresh(ctx)
	if err != nil {
		return 0, err
	}
	return l.MTU, nil
}

func (h *linkHandle) SetMTU(ctx context.Context, mtu int) error {
	if mtu <= 0 || mtu >= 65537 {
		return nemuutil.NewConfigError("mtu", strconv.Itoa(mtu), "must be in (0, 65537)")
	}
	return h.backend.setLink(ctx, kernelcfg.SetLinkOpts{MTU: mtu})
}

func (h *linkHandle) LLAddr(ctx context.Context) (string, error) {
	l, err := h.refresh(ctx)
	if err != nil {
		return "", err
	}
	return l.LLAddr, nil
}

func (h *linkHandle) SetLLAddr(ctx context.Context, lladdr string) error {
	canon, err := kernelcfg.ValidateLLAddr(lladdr)
	if err != nil {
		return err
	}
	return h.backend.setLink(ctx, kernelcfg.SetLinkOpts{LLAddr: canon})
}

func (h *linkHandle) GetAddresses(ctx context.Context) ([]Address, error) {
	return h.backend.getAddrs(ctx)
}

func (h *linkHandle) AddAddress(ctx context.Context, a Address) error {
	return h.backend.addAddr(ctx, a)
}

func (h *linkHandle) DelAddress(ctx context.Context, a Address) error {
	return h.backend.delAddr(ctx, a)
}

func (h *linkHandle) delete(ctx context.Context) error {
	return h.backend.delLink(ctx)
}

// localLinkBackend drives kernelcfg directly against the master's own
// (host) network namespace: control ends, switches, and imported
// host-side interfaces all live here, since the master already runs in
// that namespace and needs no RPC round-trip to reach them.
type localLinkBackend struct {
	name string
}

func (b *localLinkBackend) getLink(ctx context.Context) (kernelcfg.Link, error) {
	return kernelcfg.GetLinkByName(ctx, b.name)
}

func (b *localLinkBackend) setLink(ctx context.Context, opts kernelcfg.SetLinkOpts) error {
	if err := kernelcfg.SetLink(ctx, b.name, opts); err != nil {
		return err
	}
	if opts.Name != "" {
		b.name = opts.Name
	}
	return nil
}

func (b *localLinkBackend) delLink(ctx context.Context) error {
	return kernelcfg.DelIf(ctx, b.name)
}

func (b *localLinkBackend) getAddrs(ctx context.Context) ([]Address, error) {
	addrs, err := kernelcfg.GetAddresses(ctx, b.name)
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, addressFromKernel(a))
	}
	return out, nil
}

func (b *localLinkBackend) addAddr(ctx context.Context, a Address) error {
	return kernelcfg.AddAddr(ctx, b.name, toKernelAddress(a))
}

func (b *localLinkBackend) delAddr(ctx context.Context, a Address) error {
	return kernelcfg.DelAddr(ctx, b.name, toKernelAddress(a))
}

func toKernelAddress(a Address) kernelcfg.Address {
	fam := kernelcfg.FamilyInet
	if a.V6 {
		fam = kernelcfg.FamilyInet6
	}
	return kernelcfg.Address{Family: fam, Addr: a.Addr, PrefixLen: a.PrefixLen, Broadcast: a.Broadcast}
}

// remoteLinkBackend drives an interface living inside a node's namespace
// through its slave's RPC channel, addressing it by kernel ifindex (the
// wire identity the IF/ADDR commands carry).
type remoteLinkBackend struct {
	node    *Node
	ifindex int
}

func (b *remoteLinkBackend) getLink(ctx context.Context) (kernelcfg.Link, error) {
	reply, err := b.node.client.call("IF", "LIST", strconv.Itoa(b.ifindex))
	if err != nil {
		return kernelcfg.Link{}, err
	}
	return parseLinkLine(reply.Text())
}

func (b *remoteLinkBackend) setLink(ctx context.Context, opts kernelcfg.SetLinkOpts) error {
	pairs := []string{}
	if opts.Name != "" {
		pairs = append(pairs, "name", opts.Name)
	}
	if opts.MTU != 0 {
		pairs = append(pairs, "mtu", strconv.Itoa(opts.MTU))
	}
	if opts.LLAddr != "" {
		pairs = append(pairs, "lladdr", opts.LLAddr)
	}
	if opts.Broadcast != "" {
		pairs = append(pairs, "broadcast", opts.Broadcast)
	}
	if opts.Up != nil {
		pairs = append(pairs, "up", boolStr(*opts.Up))
	}
	if opts.Multicast != nil {
		pairs = append(pairs, "multicast", boolStr(*opts.Multicast))
	}
	if opts.ARP != nil {
		pairs = append(pairs, "arp", boolStr(*opts.ARP))
	}
	if len(pairs) < 2 {
		return nil // nothing to change
	}
	_, err := b.node.client.call(append([]string{"IF", "SET", strconv.Itoa(b.ifindex)}, pairs...)...)
	return err
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (b *remoteLinkBackend) delLink(ctx context.Context) error {
	_, err := b.node.client.call("IF", "DEL", strconv.Itoa(b.ifindex))
	return err
}

func (b *remoteLinkBackend) getAddrs(ctx context.Context) ([]Address, error) {
	reply, err := b.node.client.call("ADDR", "LIST", strconv.Itoa(b.ifindex))
	if err != nil {
		return nil, err
	}
	var out []Address
	for _, line := range reply.Lines {
		if line == "" {
			continue
		}
		a, err := parseAddrLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *remoteLinkBackend) addAddr(ctx context.Context, a Address) error {
	args := []string{"ADDR", "ADD", strconv.Itoa(b.ifindex), a.Addr, strconv.Itoa(a.PrefixLen)}
	if a.Broadcast != "" {
		args = append(args, a.Broadcast)
	}
	_, err := b.node.client.call(args...)
	return err
}

func (b *remoteLinkBackend) delAddr(ctx context.Context, a Address) error {
	_, err := b.node.client.call("ADDR", "DEL", strconv.Itoa(b.ifindex), a.Addr, strconv.Itoa(a.PrefixLen))
	return err
}

// parseLinkLine parses one "index name up mtu [lladdr [broadcast]]" line,
// the wire format pkg/slave's formatLink writes. lladdr/broadcast print as
// empty strings when unset (a TUN device's link/none carries neither) and
// strings.Fields drops them, so only the first four fields are mandatory.
func parseLinkLine(line string) (kernelcfg.Link, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return kernelcfg.Link{}, nemuutil.NewProtocolError("malformed IF LIST line " + line)
	}
	idx, err1 := strconv.Atoi(fields[0])
	mtu, err2 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil {
		return kernelcfg.Link{}, nemuutil.NewProtocolError("malformed IF LIST line " + line)
	}
	l := kernelcfg.Link{Index: idx, Name: fields[1], Up: fields[2] == "1", MTU: mtu}
	if len(fields) > 4 {
		l.LLAddr = fields[4]
	}
	if len(fields) > 5 {
		l.Broadcast = fields[5]
	}
	return l, nil
}

// parseAddrLine parses one "family addr prefixlen [broadcast]" line, the
// wire format pkg/slave's formatAddr writes.
func parseAddrLine(line string) (Address, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Address{}, nemuutil.NewProtocolError("malformed ADDR LIST line " + line)
	}
	plen, err := strconv.Atoi(fields[2])
	if err != nil {
		return Address{}, nemuutil.NewProtocolError("malformed ADDR LIST line " + line)
	}
	a := Address{V6: fields[0] == "6", Addr: fields[1], PrefixLen: plen}
	if len(fields) > 3 {
		a.Broadcast = fields[3]
	}
	return a, nil
}
