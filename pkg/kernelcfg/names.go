package kernelcfg

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Linux's IFNAMSIZ gives interface names 16 bytes including the trailing
// NUL, so the printable length is capped at 15.
const maxIfNameLen = 15

var nameCounter uint32

// NewIfName generates an identifiable device name of the form
// "NETNSif-<pid hex><counter hex>", capped at 15 characters, so that
// interfaces left behind by a crashed process can be traced back to their
// owning pid without any other bookkeeping.
func NewIfName() string {
	return newName("NETNSif-")
}

// NewBridgeName is NewIfName's counterpart for bridges ("NETNSbr-…").
func NewBridgeName() string {
	return newName("NETNSbr-")
}

func newName(prefix string) string {
	pid := os.Getpid()
	// A 32-bit pid printed in hex is at most 8 characters; prefix (8) +
	// pid (<=8) already reaches 16, which would overflow the 15-char
	// budget once any counter digits are appended. Linux caps pids at
	// 2^22 by default (and never exceeds 2^31-1), so pid hex is kept to
	// 6 digits here, leaving room for a 1-digit counter; counters beyond
	// 16 per pid fall back to truncating the pid field further.
	pidHex := fmt.Sprintf("%x", pid&0xffffff)
	counter := atomic.AddUint32(&nameCounter, 1) - 1
	counterHex := fmt.Sprintf("%x", counter)
	if room := maxIfNameLen - len(prefix) - len(counterHex); len(pidHex) > room {
		if room < 0 {
			room = 0
		}
		pidHex = pidHex[:room]
	}

	name := prefix + pidHex + counterHex
	if len(name) > maxIfNameLen {
		name = name[:maxIfNameLen]
	}
	return name
}
