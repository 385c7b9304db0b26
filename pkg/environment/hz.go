package environment

import (
	"os/exec"
	"strconv"
	"strings"
)

// lookPath wraps exec.LookPath so probe.go has a single seam to stub in
// tests.
func lookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// readHZ computes the kernel clock-tick constant (USER_HZ) used by tc's
// burst/limit math (burst=max(mtu, bandwidth/HZ)). Linux exposes this via
// sysconf(_SC_CLK_TCK), which getconf surfaces without needing cgo.
func readHZ() (int, error) {
	out, err := exec.Command("getconf", "CLK_TCK").Output()
	if err != nil {
		return 0, err
	}
	hz, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || hz <= 0 {
		return 0, err
	}
	return hz, nil
}
