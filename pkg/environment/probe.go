// Package environment locates the external tools nemu drives (ip, tc,
// brctl, sysctl, and the optional X11/tcpdump helpers), verifies sysfs is
// mounted, and computes the kernel clock-tick constant used by the tc
// burst/limit math in pkg/kernelcfg. It also provides the retry-on-EINTR
// command executor.
//
// The resolution strategy follows the same shape used elsewhere in this
// codebase for port-availability probing and binary search across
// well-known directories, generalized here from TCP ports to on-disk
// executables.
package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// searchDirs lists the directories probed after $PATH, in order.
var searchDirs = []string{
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/local/bin", "/usr/local/sbin",
}

var mandatoryBinaries = []string{"ip", "tc", "brctl", "sysctl"}
var optionalBinaries = []string{"tcpdump", "netperf", "xauth", "xdpyinfo"}

// ExtraDirsEnv is the environment variable through which a parent process
// hands caller-supplied probe directories to a spawned nemu-slave
// ($PATH-style, colon-separated). The slave is the process that actually
// runs Probe inside the namespace, so the master's Settings.ExtraDirs
// have to cross the exec boundary somehow; an env var keeps the slave's
// argv free for its own use.
const ExtraDirsEnv = "NEMU_EXTRA_DIRS"

// ExtraDirsFromEnv decodes ExtraDirsEnv, empty segments dropped.
func ExtraDirsFromEnv() []string {
	v := os.Getenv(ExtraDirsEnv)
	if v == "" {
		return nil
	}
	var dirs []string
	for _, d := range strings.Split(v, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Environment holds resolved binary paths, the sysfs mount check result,
// and the clock-tick constant (HZ) for this host.
type Environment struct {
	Binaries  map[string]string // name -> absolute path, mandatory + found optionals
	ExtraDirs []string
	HZ        int
}

// Probe resolves every mandatory and optional binary, verifies
// /sys/class/net exists, and computes HZ. A missing mandatory binary is
// fatal at module init.
func Probe(extraDirs ...string) (*Environment, error) {
	env := &Environment{
		Binaries:  make(map[string]string),
		ExtraDirs: extraDirs,
	}

	var missing []string
	for _, name := range mandatoryBinaries {
		path, ok := findBinary(name, extraDirs)
		if !ok {
			missing = append(missing, name)
			continue
		}
		env.Binaries[name] = path
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("nemu: required binaries not found in PATH or %v: %s",
			append([]string{"$PATH"}, append(searchDirs, extraDirs...)...), strings.Join(missing, ", "))
	}

	for _, name := range optionalBinaries {
		if path, ok := findBinary(name, extraDirs); ok {
			env.Binaries[name] = path
		}
	}

	if _, err := os.Stat("/sys/class/net"); err != nil {
		return nil, fmt.Errorf("nemu: sysfs not mounted at /sys/class/net: %w", err)
	}

	hz, err := readHZ()
	if err != nil {
		nemuutil.WithField("error", err).Warn("nemu: could not determine clock tick rate, assuming 100")
		hz = 100
	}
	env.HZ = hz

	return env, nil
}

// Has reports whether an optional binary was found.
func (e *Environment) Has(name string) bool {
	_, ok := e.Binaries[name]
	return ok
}

// Path returns the resolved path for a binary, or "" if not found.
func (e *Environment) Path(name string) string {
	return e.Binaries[name]
}

// findBinary searches $PATH, then searchDirs, then extraDirs, for an
// executable regular file named name.
func findBinary(name string, extraDirs []string) (string, bool) {
	if p, err := lookPath(name); err == nil {
		return p, true
	}
	for _, dir := range append(append([]string{}, searchDirs...), extraDirs...) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, true
		}
	}
	return "", false
}
