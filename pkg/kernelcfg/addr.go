package kernelcfg

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// AddrFamily tags an Address as IPv4 or IPv6.
type AddrFamily int

const (
	FamilyInet AddrFamily = iota
	FamilyInet6
)

// Address is the typed value object for one interface address. Equality
// ignores Broadcast.
type Address struct {
	Family    AddrFamily
	Addr      string
	PrefixLen int
	Broadcast string // IPv4 only, "" if unset
}

// Equal implements address equality ignoring Broadcast.
func (a Address) Equal(b Address) bool {
	return a.Family == b.Family && a.Addr == b.Addr && a.PrefixLen == b.PrefixLen
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Addr, a.PrefixLen)
}

// GetAddresses parses `ip -o addr list dev <name>` for both address
// families.
func GetAddresses(ctx context.Context, ifname string) ([]Address, error) {
	out, err := environment.Backticks(ctx, []string{"ip", "-o", "addr", "list", "dev", ifname})
	if err != nil {
		return nil, err
	}
	return parseAddrList(out)
}

func parseAddrList(out string) ([]Address, error) {
	var addrs []Address
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		a, ok, err := parseAddrLine(line)
		if err != nil {
			return nil, fmt.Errorf("nemu: parse ip addr line %q: %w", line, err)
		}
		if ok {
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}

// parseAddrLine parses one line of `ip -o addr list`:
//
//	2: eth0    inet 10.0.0.1/24 brd 10.0.0.255 scope global eth0\       valid_lft forever preferred_lft forever
//	2: eth0    inet6 fe80::1/64 scope link
func parseAddrLine(line string) (Address, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Address{}, false, nil
	}
	var family AddrFamily
	var idx int
	switch fields[2] {
	case "inet":
		family = FamilyInet
		idx = 3
	case "inet6":
		family = FamilyInet6
		idx = 3
	default:
		return Address{}, false, nil // e.g. "link/..." noise, ignore
	}
	if idx >= len(fields) {
		return Address{}, false, fmt.Errorf("missing address field")
	}
	ip, prefix, err := parseCIDR(fields[idx])
	if err != nil {
		return Address{}, false, err
	}
	a := Address{Family: family, Addr: ip, PrefixLen: prefix}
	for i := idx + 1; i < len(fields)-1; i++ {
		if fields[i] == "brd" {
			a.Broadcast = fields[i+1]
		}
	}
	return a, true, nil
}

func parseCIDR(s string) (string, int, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("missing prefix length in %q", s)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("bad prefix length in %q: %w", s, err)
	}
	return parts[0], n, nil
}

// AddAddr issues `ip addr add dev <if> local <addr>/<plen> [broadcast <b>]`.
func AddAddr(ctx context.Context, ifname string, a Address) error {
	if err := validateAddress(a); err != nil {
		return err
	}
	argv := []string{"ip", "addr", "add", "dev", ifname, "local", fmt.Sprintf("%s/%d", a.Addr, a.PrefixLen)}
	if a.Family == FamilyInet && a.Broadcast != "" {
		argv = append(argv, "broadcast", a.Broadcast)
	}
	return environment.Execute(ctx, argv)
}

// DelAddr issues `ip addr del dev <if> local <addr>/<plen>`.
func DelAddr(ctx context.Context, ifname string, a Address) error {
	return environment.Execute(ctx, []string{"ip", "addr", "del", "dev", ifname, "local",
		fmt.Sprintf("%s/%d", a.Addr, a.PrefixLen)})
}

func validateAddress(a Address) error {
	ip := net.ParseIP(a.Addr)
	if ip == nil {
		return nemuutil.NewConfigError("address", a.Addr, "not a valid IP address")
	}
	isV4 := ip.To4() != nil
	if a.Family == FamilyInet && !isV4 {
		return nemuutil.NewConfigError("address", a.Addr, "not an IPv4 address")
	}
	if a.Family == FamilyInet6 && isV4 {
		return nemuutil.NewConfigError("address", a.Addr, "not an IPv6 address")
	}
	max := 32
	if a.Family == FamilyInet6 {
		max = 128
	}
	if a.PrefixLen < 0 || a.PrefixLen > max {
		return nemuutil.NewConfigError("prefix_len", strconv.Itoa(a.PrefixLen), fmt.Sprintf("must be 0-%d", max))
	}
	return nil
}

// SetAddr diffs desired against the live address set of ifname and applies
// the minimal add/del sequence, rolling back additions if a later step
// fails. Correct semantics are diff-then-apply against freshly read
// kernel state, never a stale in-memory snapshot.
func SetAddr(ctx context.Context, ifname string, desired []Address) error {
	current, err := GetAddresses(ctx, ifname)
	if err != nil {
		return err
	}

	var toAdd, toDel []Address
	for _, d := range desired {
		if !containsAddr(current, d) {
			toAdd = append(toAdd, d)
		}
	}
	for _, c := range current {
		if !containsAddr(desired, c) {
			toDel = append(toDel, c)
		}
	}

	var deleted, added []Address
	for _, a := range toDel {
		if err := DelAddr(ctx, ifname, a); err != nil {
			rollbackAddDel(ctx, ifname, deleted, nil)
			return fmt.Errorf("nemu: set_addr %s: del %s: %w", ifname, a, err)
		}
		deleted = append(deleted, a)
	}
	for _, a := range toAdd {
		if err := AddAddr(ctx, ifname, a); err != nil {
			rollbackAddDel(ctx, ifname, deleted, added)
			return fmt.Errorf("nemu: set_addr %s: add %s: %w", ifname, a, err)
		}
		added = append(added, a)
	}
	return nil
}

// rollbackAddDel best-effort restores state after a partial SetAddr
// failure: re-adds anything that was deleted, and removes anything that was
// added, swallowing errors since rollback must not mask the original
// failure.
func rollbackAddDel(ctx context.Context, ifname string, deleted []Address, added []Address) {
	for _, a := range deleted {
		if err := AddAddr(ctx, ifname, a); err != nil {
			nemuutil.WithField("interface", ifname).WithField("error", err).Warn("nemu: set_addr rollback: re-add failed")
		}
	}
	for _, a := range added {
		if err := DelAddr(ctx, ifname, a); err != nil {
			nemuutil.WithField("interface", ifname).WithField("error", err).Warn("nemu: set_addr rollback: del failed")
		}
	}
}

func containsAddr(list []Address, a Address) bool {
	for _, x := range list {
		if x.Equal(a) {
			return true
		}
	}
	return false
}
