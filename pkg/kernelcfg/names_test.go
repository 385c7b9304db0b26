package kernelcfg

import (
	"strings"
	"testing"
)

func TestNewIfName_Capped(t *testing.T) {
	name := NewIfName()
	if len(name) > maxIfNameLen {
		t.Errorf("NewIfName() = %q, length %d exceeds cap %d", name, len(name), maxIfNameLen)
	}
	if !strings.HasPrefix(name, "NETNSif-") {
		// truncation only ever shortens the pid field, never the prefix.
		t.Errorf("NewIfName() = %q, want the NETNSif- prefix", name)
	}
}

func TestNewBridgeName_DistinctPrefix(t *testing.T) {
	name := NewBridgeName()
	if len(name) > maxIfNameLen {
		t.Errorf("NewBridgeName() = %q, length %d exceeds cap %d", name, len(name), maxIfNameLen)
	}
}

func TestNewIfName_Unique(t *testing.T) {
	a := NewIfName()
	b := NewIfName()
	if a == b {
		t.Errorf("two consecutive NewIfName() calls returned the same name %q", a)
	}
}
