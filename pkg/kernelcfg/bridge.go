package kernelcfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/environment"
)

// BridgeAttrs mirrors the Switch's kernel-level bridge attributes, read from
// /sys/class/net/<br>/bridge/* (timer values are kernel hundredths of a
// second, so are divided by 100 on read and multiplied on write).
type BridgeAttrs struct {
	STP           bool
	ForwardDelay  float64 // seconds
	HelloTime     float64
	AgeingTime    float64
	MaxAge        float64
}

// CreateBridge issues `brctl addbr <name>`.
func CreateBridge(ctx context.Context, name string) error {
	return environment.Execute(ctx, []string{"brctl", "addbr", name})
}

// DeleteBridge issues `brctl delbr <name>`. The device must be down first;
// callers are responsible for that (Switch.Close handles it).
func DeleteBridge(ctx context.Context, name string) error {
	return environment.Execute(ctx, []string{"brctl", "delbr", name})
}

// GetBridgeAttrs reads bridge-specific attributes from sysfs.
func GetBridgeAttrs(name string) (BridgeAttrs, error) {
	base := filepath.Join("/sys/class/net", name, "bridge")

	stpState, err := readSysfsInt(filepath.Join(base, "stp_state"))
	if err != nil {
		return BridgeAttrs{}, err
	}
	fd, err := readSysfsInt(filepath.Join(base, "forward_delay"))
	if err != nil {
		return BridgeAttrs{}, err
	}
	ht, err := readSysfsInt(filepath.Join(base, "hello_time"))
	if err != nil {
		return BridgeAttrs{}, err
	}
	at, err := readSysfsInt(filepath.Join(base, "ageing_time"))
	if err != nil {
		return BridgeAttrs{}, err
	}
	ma, err := readSysfsInt(filepath.Join(base, "max_age"))
	if err != nil {
		return BridgeAttrs{}, err
	}

	return BridgeAttrs{
		STP:          stpState != 0,
		ForwardDelay: float64(fd) / 100,
		HelloTime:    float64(ht) / 100,
		AgeingTime:   float64(at) / 100,
		MaxAge:       float64(ma) / 100,
	}, nil
}

// SetBridgeAttrs writes bridge attributes via sysfs, in arbitrary order.
// On failure it restores the bridge attributes it had already written. It
// does not write or restore base interface attributes.
func SetBridgeAttrs(name string, desired BridgeAttrs) error {
	current, err := GetBridgeAttrs(name)
	if err != nil {
		return err
	}

	type write struct {
		path string
		val  int
		prev int
	}
	var writes []write
	if desired.STP != current.STP {
		v := 0
		if desired.STP {
			v = 1
		}
		writes = append(writes, write{"bridge/stp_state", v, boolToInt(current.STP)})
	}
	if desired.ForwardDelay != current.ForwardDelay {
		writes = append(writes, write{"bridge/forward_delay", int(desired.ForwardDelay * 100), int(current.ForwardDelay * 100)})
	}
	if desired.HelloTime != current.HelloTime {
		writes = append(writes, write{"bridge/hello_time", int(desired.HelloTime * 100), int(current.HelloTime * 100)})
	}
	if desired.AgeingTime != current.AgeingTime {
		writes = append(writes, write{"bridge/ageing_time", int(desired.AgeingTime * 100), int(current.AgeingTime * 100)})
	}
	if desired.MaxAge != current.MaxAge {
		writes = append(writes, write{"bridge/max_age", int(desired.MaxAge * 100), int(current.MaxAge * 100)})
	}

	var applied []write
	for _, w := range writes {
		if err := writeSysfsInt(filepath.Join("/sys/class/net", name, w.path), w.val); err != nil {
			for _, a := range applied {
				_ = writeSysfsInt(filepath.Join("/sys/class/net", name, a.path), a.prev)
			}
			return fmt.Errorf("nemu: set_bridge %s: write %s: %w", name, w.path, err)
		}
		applied = append(applied, w)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetBridgePorts reads port names from /sys/class/net/<br>/brif/.
func GetBridgePorts(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join("/sys/class/net", name, "brif"))
	if err != nil {
		return nil, fmt.Errorf("nemu: read brif for %s: %w", name, err)
	}
	var ports []string
	for _, e := range entries {
		ports = append(ports, e.Name())
	}
	return ports, nil
}

// AddBridgePort issues `brctl addif <bridge> <iface>`.
func AddBridgePort(ctx context.Context, bridge, iface string) error {
	return environment.Execute(ctx, []string{"brctl", "addif", bridge, iface})
}

// DelBridgePort issues `brctl delif <bridge> <iface>`.
func DelBridgePort(ctx context.Context, bridge, iface string) error {
	return environment.Execute(ctx, []string{"brctl", "delif", bridge, iface})
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("nemu: read %s: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("nemu: parse %s: %w", path, err)
	}
	return v, nil
}

func writeSysfsInt(path string, v int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(v)), 0644)
}
