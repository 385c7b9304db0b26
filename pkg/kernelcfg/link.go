// Package kernelcfg is the thin-but-careful wrapper around ip/tc/brctl/sysfs:
// typed value objects, parsers for the human-readable tool output, and
// get/add-del/set CRUD per resource kind, where set always diffs desired
// against live state and applies the minimal command sequence with
// rollback on failure.
//
// Every operation runs the external tool as a subprocess through
// pkg/environment and parses its textual output.
package kernelcfg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Link is the typed value object for one network device's mutable
// attributes. Index is immutable; everything else is read fresh from the
// kernel and never cached.
type Link struct {
	Index     int
	Name      string
	Up        bool
	MTU       int
	LLAddr    string // canonical "aa:bb:cc:dd:ee:ff", "" if device has none
	Broadcast string
	Multicast bool
	ARP       bool
}

// Diff is the pure function (a - b) over a Link's mirrored attributes:
// the set of fields that differ between two Link snapshots. Diffing a Link
// against itself always yields an empty Diff. SetLink does not use it; it
// computes its command sequence from SetLinkOpts directly.
type Diff struct {
	Name      *string
	Up        *bool
	MTU       *int
	LLAddr    *string
	Broadcast *string
	Multicast *bool
	ARP       *bool
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return d.Name == nil && d.Up == nil && d.MTU == nil && d.LLAddr == nil &&
		d.Broadcast == nil && d.Multicast == nil && d.ARP == nil
}

// Sub computes desired.Sub(current): the fields of desired that differ from
// current. Fields left zero-valued in desired (empty Name, MTU 0) are
// treated as "leave as-is" and never appear in the diff — callers that want
// to represent "this interface has no lladdr" must not rely on Sub for
// that; Link.LLAddr == "" universally means "unset/unknown".
func (desired Link) Sub(current Link) Diff {
	var d Diff
	if desired.Name != "" && desired.Name != current.Name {
		d.Name = &desired.Name
	}
	if desired.MTU != 0 && desired.MTU != current.MTU {
		d.MTU = &desired.MTU
	}
	if desired.LLAddr != "" && !strings.EqualFold(desired.LLAddr, current.LLAddr) {
		d.LLAddr = &desired.LLAddr
	}
	if desired.Broadcast != "" && desired.Broadcast != current.Broadcast {
		d.Broadcast = &desired.Broadcast
	}
	// Up/Multicast/ARP are tri-state only in intent: the caller sets them via
	// SetLinkOpts, not via Link.Sub, since false is a valid desired value
	// indistinguishable from "unset" on a bool. See SetLink.
	return d
}

// GetLinks parses `ip -o link list` into the live set of Links.
func GetLinks(ctx context.Context) ([]Link, error) {
	out, err := environment.Backticks(ctx, []string{"ip", "-o", "link", "list"})
	if err != nil {
		return nil, err
	}
	return parseLinkList(out)
}

// GetLink returns the Link for a given kernel ifindex. Per design note (ii),
// callers must not look a device up by name after renaming it without first
// re-reading the full list: GetLinkByName only matches the kernel's current
// idea of the name.
func GetLink(ctx context.Context, index int) (Link, error) {
	links, err := GetLinks(ctx)
	if err != nil {
		return Link{}, err
	}
	for _, l := range links {
		if l.Index == index {
			return l, nil
		}
	}
	return Link{}, fmt.Errorf("nemu: no interface with index %d", index)
}

// GetLinkByName resolves a device by its current kernel name. Always
// re-read after a rename (design note ii); do not cache the result.
func GetLinkByName(ctx context.Context, name string) (Link, error) {
	links, err := GetLinks(ctx)
	if err != nil {
		return Link{}, err
	}
	for _, l := range links {
		if l.Name == name {
			return l, nil
		}
	}
	return Link{}, fmt.Errorf("nemu: no interface named %q", name)
}

// parseLinkList parses the `ip -o link list` output format:
//
//	1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN \    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
func parseLinkList(out string) ([]Link, error) {
	var links []Link
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		l, err := parseLinkLine(line)
		if err != nil {
			return nil, fmt.Errorf("nemu: parse ip link line %q: %w", line, err)
		}
		links = append(links, l)
	}
	return links, nil
}

func parseLinkLine(line string) (Link, error) {
	// "<idx>: <name>[@<peer>]: <FLAGS> mtu <n> ... \    link/<type> <lladdr> brd <bcast> ..."
	idxSep := strings.Index(line, ":")
	if idxSep < 0 {
		return Link{}, fmt.Errorf("missing index separator")
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line[:idxSep]))
	if err != nil {
		return Link{}, fmt.Errorf("bad index: %w", err)
	}
	rest := line[idxSep+1:]

	nameSep := strings.Index(rest, ":")
	if nameSep < 0 {
		return Link{}, fmt.Errorf("missing name separator")
	}
	name := strings.TrimSpace(rest[:nameSep])
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at] // strip "@peer" veth/vlan annotation
	}
	rest = rest[nameSep+1:]

	l := Link{Index: idx, Name: name, ARP: true}

	flagsStart := strings.IndexByte(rest, '<')
	flagsEnd := strings.IndexByte(rest, '>')
	if flagsStart >= 0 && flagsEnd > flagsStart {
		flags := strings.Split(rest[flagsStart+1:flagsEnd], ",")
		for _, f := range flags {
			switch f {
			case "UP":
				l.Up = true
			case "BROADCAST":
				// presence alone doesn't carry the address; parsed below
			case "MULTICAST":
				l.Multicast = true
			case "NOARP":
				l.ARP = false
			}
		}
		rest = rest[flagsEnd+1:]
	}

	fields := strings.Fields(rest)
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "mtu":
			if i+1 < len(fields) {
				l.MTU, _ = strconv.Atoi(fields[i+1])
				i++
			}
		case "link/ether", "link/loopback", "link/none":
			if i+1 < len(fields) && fields[i+1] != "brd" {
				l.LLAddr = CanonicalizeLLAddr(fields[i+1])
				i++
			}
		case "brd":
			if i+1 < len(fields) {
				l.Broadcast = CanonicalizeLLAddr(fields[i+1])
				i++
			}
		}
	}

	return l, nil
}

// CreateIfPair issues `ip link add <a> type veth peer name <b>`, the
// create_if_pair primitive behind NodeInterface and P2PInterface.
func CreateIfPair(ctx context.Context, a, b string) error {
	return environment.Execute(ctx, []string{"ip", "link", "add", a, "type", "veth", "peer", "name", b})
}

// DelIf removes a device.
func DelIf(ctx context.Context, name string) error {
	return environment.Execute(ctx, []string{"ip", "link", "del", name})
}

// ChangeNetns moves a device by name into the network namespace owned by pid.
func ChangeNetns(ctx context.Context, name string, pid int) error {
	return environment.Execute(ctx, []string{"ip", "link", "set", name, "netns", strconv.Itoa(pid)})
}

// SetLinkOpts is the desired mutable state for SetLink. Up/Multicast/ARP are
// pointers so "not requested" is distinguishable from "set to false".
type SetLinkOpts struct {
	Name      string
	Up        *bool
	MTU       int
	LLAddr    string
	Broadcast string
	Multicast *bool
	ARP       *bool
}

// step is one kernel command in a SetLink command sequence.
type step struct {
	argv []string
}

// SetLink diffs opts against the live kernel state of name and applies the
// minimal ordered command sequence, following these ordering rules:
//  1. name change: down first if up, rename, restore up (deferred to 4)
//  2. lladdr change: down if up, set address, restore up only if Up isn't
//     also being set (Up always wins in that case)
//  3. MTU/broadcast/multicast/arp, any order
//  4. up/down, last
//
// On any command's failure the already-applied steps are unwound in
// reverse by re-running SetLink with the original (pre-diff) values; that
// recursive call runs with recover=false so a rollback failure surfaces
// directly rather than looping.
func SetLink(ctx context.Context, name string, opts SetLinkOpts) error {
	if opts.MTU != 0 {
		if opts.MTU < 0 || opts.MTU >= 65537 {
			return nemuutil.NewConfigError("mtu", strconv.Itoa(opts.MTU), "must be in (0, 65537)")
		}
	}
	if opts.LLAddr != "" {
		if _, err := ValidateLLAddr(opts.LLAddr); err != nil {
			return err
		}
	}

	current, err := GetLinkByName(ctx, name)
	if err != nil {
		return err
	}
	return setLink(ctx, name, current, opts, true)
}

func setLink(ctx context.Context, name string, current Link, opts SetLinkOpts, recover bool) error {
	var steps []step
	curName := name
	wasUp := current.Up

	needDownForName := opts.Name != "" && opts.Name != current.Name
	needDownForLLAddr := opts.LLAddr != "" && !strings.EqualFold(opts.LLAddr, current.LLAddr)
	downedAlready := false

	downIfUp := func() {
		if wasUp && !downedAlready {
			steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "down"}})
			downedAlready = true
		}
	}

	// 1. name
	if needDownForName {
		downIfUp()
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "name", opts.Name}})
		curName = opts.Name
	}

	// 2. lladdr
	if needDownForLLAddr {
		downIfUp()
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "address", opts.LLAddr}})
	}

	// 3. mtu / broadcast / multicast / arp, any order
	if opts.MTU != 0 && opts.MTU != current.MTU {
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "mtu", strconv.Itoa(opts.MTU)}})
	}
	if opts.Broadcast != "" && opts.Broadcast != current.Broadcast {
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "broadcast", opts.Broadcast}})
	}
	if opts.Multicast != nil && *opts.Multicast != current.Multicast {
		onoff := "off"
		if *opts.Multicast {
			onoff = "on"
		}
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "multicast", onoff}})
	}
	if opts.ARP != nil && *opts.ARP != current.ARP {
		onoff := "off"
		if *opts.ARP {
			onoff = "on"
		}
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, "arp", onoff}})
	}

	// 4. up/down last. If Up wasn't requested explicitly, restore the prior
	// up state only when step 1/2 brought the device down.
	finalUp := wasUp
	if opts.Up != nil {
		finalUp = *opts.Up
	}
	if downedAlready || (opts.Up != nil && *opts.Up != wasUp) {
		onoff := "down"
		if finalUp {
			onoff = "up"
		}
		steps = append(steps, step{argv: []string{"ip", "link", "set", curName, onoff}})
	}

	for i, s := range steps {
		if err := environment.Execute(ctx, s.argv); err != nil {
			if recover {
				nemuutil.WithField("interface", name).WithField("step", i).
					Warn("nemu: set_if failed, rolling back")
				// Diff the original values against the live state, not
				// against the pre-change snapshot (which would be a no-op).
				live, rollbackErr := GetLink(ctx, current.Index)
				if rollbackErr == nil {
					rollbackErr = setLink(ctx, live.Name, live, SetLinkOpts{
						Name: current.Name, Up: &current.Up, MTU: current.MTU,
						LLAddr: current.LLAddr, Broadcast: current.Broadcast,
						Multicast: &current.Multicast, ARP: &current.ARP,
					}, false)
				}
				if rollbackErr != nil {
					nemuutil.WithField("interface", name).WithField("rollback_error", rollbackErr).
						Error("nemu: set_if rollback also failed, kernel state may be inconsistent")
				}
			}
			return fmt.Errorf("nemu: set_if %s step %d (%v): %w", name, i, s.argv, err)
		}
	}
	return nil
}
