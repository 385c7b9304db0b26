package kernelcfg

import (
	"context"

	"github.com/nemu-network/nemu/pkg/environment"
)

// EnableForwarding turns on IPv4 and IPv6 forwarding in the calling
// process's current network namespace via sysctl -w. It is run once, right
// after a node's namespace has been unshared, so every emulated host can
// route between its interfaces rather than only acting as a terminal.
func EnableForwarding(ctx context.Context) error {
	if err := environment.Execute(ctx, []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}); err != nil {
		return err
	}
	return environment.Execute(ctx, []string{"sysctl", "-w", "net.ipv6.conf.default.forwarding=1"})
}
