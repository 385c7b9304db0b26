package kernelcfg

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
)

// TCShape classifies the qdisc tree currently attached to an interface.
// The only shapes the library recognises are none, a lone tbf, a lone
// netem, or tbf-root-with-netem-child. Anything else is "foreign" and
// must be wiped before nemu installs its own tree.
type TCShape int

const (
	ShapeNone TCShape = iota
	ShapeTBF
	ShapeNetem
	ShapeTBFNetem
	ShapeForeign
)

// TCParams is the link-emulation parameter set that drives a Switch port's
// qdisc tree.
type TCParams struct {
	Bandwidth          int64   // bit/s, 0 = no shaping
	Delay              float64 // seconds
	DelayJitter        float64
	DelayCorrelation   float64 // 0-1
	DelayDistribution  string  // named tc distribution file, e.g. "normal"
	Loss               float64 // 0-1
	LossCorrelation    float64
	Dup                float64
	DupCorrelation     float64
	Corrupt            float64
	CorruptCorrelation float64
}

// Empty reports whether params describe "no shaping at all" (target shape
// ShapeNone).
func (p TCParams) Empty() bool {
	return p.Bandwidth == 0 && p.Delay == 0 && p.Loss == 0 && p.Dup == 0 && p.Corrupt == 0
}

func (p TCParams) wantsTBF() bool   { return p.Bandwidth > 0 }
func (p TCParams) wantsNetem() bool { return p.Delay > 0 || p.Loss > 0 || p.Dup > 0 || p.Corrupt > 0 }

func (p TCParams) targetShape() TCShape {
	switch {
	case p.wantsTBF() && p.wantsNetem():
		return ShapeTBFNetem
	case p.wantsTBF():
		return ShapeTBF
	case p.wantsNetem():
		return ShapeNetem
	default:
		return ShapeNone
	}
}

// Validate rejects parameter combinations that tc itself would reject:
// delay_jitter is required whenever delay_correlation or
// delay_distribution is set.
func (p TCParams) Validate() error {
	if (p.DelayCorrelation != 0 || p.DelayDistribution != "") && p.DelayJitter == 0 {
		return fmt.Errorf("nemu: delay_correlation/delay_distribution require delay_jitter to be set")
	}
	return nil
}

// tbfBurst computes burst=max(mtu, bandwidth/HZ).
func tbfBurst(bandwidth int64, mtu, hz int) int64 {
	b := bandwidth / int64(hz)
	if int64(mtu) > b {
		return int64(mtu)
	}
	return b
}

// tbfLimit computes limit=2*burst.
func tbfLimit(burst int64) int64 { return 2 * burst }

// GetTCShape inspects `tc qdisc show dev <iface>` and classifies the
// current tree.
func GetTCShape(ctx context.Context, iface string) (TCShape, error) {
	out, err := environment.Backticks(ctx, []string{"tc", "qdisc", "show", "dev", iface})
	if err != nil {
		return ShapeNone, err
	}
	return classifyQdisc(out), nil
}

// classifyQdisc parses `tc qdisc show` output lines of the form
// "qdisc tbf 10: root refcnt 2 rate 100Kbit ..." /
// "qdisc netem 10: parent 1:1 ...".
func classifyQdisc(out string) TCShape {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var kinds []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "qdisc" {
			return ShapeForeign
		}
		kinds = append(kinds, fields[1])
	}
	switch len(kinds) {
	case 0:
		return ShapeNone
	case 1:
		switch kinds[0] {
		case "tbf":
			return ShapeTBF
		case "netem":
			return ShapeNetem
		case "noqueue", "noop", "pfifo_fast", "mq":
			return ShapeNone // default/no-op qdiscs the kernel installs by itself
		default:
			return ShapeForeign
		}
	case 2:
		if kinds[0] == "tbf" && kinds[1] == "netem" {
			return ShapeTBFNetem
		}
		return ShapeForeign
	default:
		return ShapeForeign
	}
}

// SetTC drives the qdisc shape transition table to bring iface's qdisc
// tree from its current shape to the one implied by params, diffing and
// re-using in-place edits ("change") instead of unconditional
// teardown/rebuild wherever the kernel supports it.
func SetTC(ctx context.Context, iface string, mtu, hz int, params TCParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	current, err := GetTCShape(ctx, iface)
	if err != nil {
		return err
	}
	if current == ShapeForeign {
		if err := delRoot(ctx, iface); err != nil {
			return fmt.Errorf("nemu: set_tc %s: wipe foreign qdisc: %w", iface, err)
		}
		current = ShapeNone
	}

	target := params.targetShape()

	switch {
	case current == ShapeNone && target == ShapeNone:
		return nil
	case current == ShapeNone && target == ShapeTBF:
		return addTBFRoot(ctx, iface, mtu, hz, params)
	case current == ShapeNone && target == ShapeNetem:
		return addNetemRoot(ctx, iface, params)
	case current == ShapeNone && target == ShapeTBFNetem:
		if err := addTBFRoot(ctx, iface, mtu, hz, params); err != nil {
			return err
		}
		return addNetemChild(ctx, iface, params)

	case current == ShapeTBF && target == ShapeNone:
		return delRoot(ctx, iface)
	case current == ShapeTBF && target == ShapeTBF:
		return changeTBFRoot(ctx, iface, mtu, hz, params)
	case current == ShapeTBF && target == ShapeNetem:
		if err := delRoot(ctx, iface); err != nil {
			return err
		}
		return addNetemRoot(ctx, iface, params)
	case current == ShapeTBF && target == ShapeTBFNetem:
		if err := changeTBFRoot(ctx, iface, mtu, hz, params); err != nil {
			return err
		}
		return addNetemChild(ctx, iface, params)

	case current == ShapeNetem && target == ShapeNone:
		return delRoot(ctx, iface)
	case current == ShapeNetem && target == ShapeTBF:
		if err := delRoot(ctx, iface); err != nil {
			return err
		}
		return addTBFRoot(ctx, iface, mtu, hz, params)
	case current == ShapeNetem && target == ShapeNetem:
		return changeNetemRoot(ctx, iface, params)
	case current == ShapeNetem && target == ShapeTBFNetem:
		if err := delRoot(ctx, iface); err != nil {
			return err
		}
		if err := addTBFRoot(ctx, iface, mtu, hz, params); err != nil {
			return err
		}
		return addNetemChild(ctx, iface, params)

	case current == ShapeTBFNetem && target == ShapeNone:
		return delRoot(ctx, iface)
	case current == ShapeTBFNetem && target == ShapeTBF:
		// Replace the whole root, not just drop the netem child: the
		// surviving tbf must carry the current rate/burst/limit.
		if err := delRoot(ctx, iface); err != nil {
			return err
		}
		return addTBFRoot(ctx, iface, mtu, hz, params)
	case current == ShapeTBFNetem && target == ShapeNetem:
		if err := delRoot(ctx, iface); err != nil {
			return err
		}
		return addNetemRoot(ctx, iface, params)
	case current == ShapeTBFNetem && target == ShapeTBFNetem:
		if err := changeTBFRoot(ctx, iface, mtu, hz, params); err != nil {
			return err
		}
		return changeNetemChild(ctx, iface, params)
	}

	return fmt.Errorf("nemu: set_tc %s: unhandled transition %v -> %v", iface, current, target)
}

func delRoot(ctx context.Context, iface string) error {
	return environment.Execute(ctx, []string{"tc", "qdisc", "del", "dev", iface, "root"})
}

func tbfArgs(verb, iface string, mtu, hz int, p TCParams) []string {
	burst := tbfBurst(p.Bandwidth, mtu, hz)
	limit := tbfLimit(burst)
	return []string{"tc", "qdisc", verb, "dev", iface, "root", "handle", "1:", "tbf",
		"rate", fmt.Sprintf("%dbit", p.Bandwidth),
		"burst", strconv.FormatInt(burst, 10),
		"limit", strconv.FormatInt(limit, 10),
	}
}

func addTBFRoot(ctx context.Context, iface string, mtu, hz int, p TCParams) error {
	return environment.Execute(ctx, tbfArgs("add", iface, mtu, hz, p))
}

func changeTBFRoot(ctx context.Context, iface string, mtu, hz int, p TCParams) error {
	return environment.Execute(ctx, tbfArgs("change", iface, mtu, hz, p))
}

func netemArgs(verb, iface, parent string, p TCParams) []string {
	argv := []string{"tc", "qdisc", verb, "dev", iface, "parent", parent}
	if parent == "root" {
		argv = []string{"tc", "qdisc", verb, "dev", iface, "root", "handle", "2:"}
	} else {
		argv = append(argv, "handle", "2:")
	}
	argv = append(argv, "netem")
	if p.Delay > 0 {
		argv = append(argv, "delay", secs(p.Delay))
		if p.DelayJitter > 0 {
			argv = append(argv, secs(p.DelayJitter))
			if p.DelayCorrelation > 0 {
				argv = append(argv, pct(p.DelayCorrelation))
			}
			if p.DelayDistribution != "" {
				argv = append(argv, "distribution", p.DelayDistribution)
			}
		}
	}
	if p.Loss > 0 {
		argv = append(argv, "loss", pct(p.Loss))
		if p.LossCorrelation > 0 {
			argv = append(argv, pct(p.LossCorrelation))
		}
	}
	if p.Dup > 0 {
		argv = append(argv, "duplicate", pct(p.Dup))
		if p.DupCorrelation > 0 {
			argv = append(argv, pct(p.DupCorrelation))
		}
	}
	if p.Corrupt > 0 {
		argv = append(argv, "corrupt", pct(p.Corrupt))
		if p.CorruptCorrelation > 0 {
			argv = append(argv, pct(p.CorruptCorrelation))
		}
	}
	return argv
}

func addNetemRoot(ctx context.Context, iface string, p TCParams) error {
	return environment.Execute(ctx, netemArgs("add", iface, "root", p))
}

func changeNetemRoot(ctx context.Context, iface string, p TCParams) error {
	return environment.Execute(ctx, netemArgs("change", iface, "root", p))
}

func addNetemChild(ctx context.Context, iface string, p TCParams) error {
	return environment.Execute(ctx, netemArgs("add", iface, "1:1", p))
}

func changeNetemChild(ctx context.Context, iface string, p TCParams) error {
	return environment.Execute(ctx, netemArgs("change", iface, "1:1", p))
}

// secs formats a duration in seconds as milliseconds, the way tc expects
// ("100ms", "1500ms").
func secs(s float64) string {
	ms := s * 1000
	return strconv.FormatFloat(ms, 'f', -1, 64) + "ms"
}

// pct formats a fraction in [0,1] as tc's "NN.NNN%" percentage literal.
func pct(frac float64) string {
	return strconv.FormatFloat(frac*100, 'f', 3, 64) + "%"
}
