package environment

import (
	"os"
	"testing"
)

func writeExecutable(path string) error {
	return os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755)
}

func TestProbe_FindsMandatoryTools(t *testing.T) {
	env, err := Probe()
	if err != nil {
		t.Skipf("mandatory tools not available on this host: %v", err)
	}
	for _, name := range mandatoryBinaries {
		if env.Path(name) == "" {
			t.Errorf("mandatory binary %s resolved to empty path", name)
		}
	}
	if env.HZ <= 0 {
		t.Errorf("HZ = %d, want positive", env.HZ)
	}
}

func TestExtraDirsFromEnv(t *testing.T) {
	t.Setenv(ExtraDirsEnv, "/opt/net/bin::/srv/bin")
	dirs := ExtraDirsFromEnv()
	if len(dirs) != 2 || dirs[0] != "/opt/net/bin" || dirs[1] != "/srv/bin" {
		t.Errorf("ExtraDirsFromEnv = %v, want the two non-empty segments", dirs)
	}

	t.Setenv(ExtraDirsEnv, "")
	if dirs := ExtraDirsFromEnv(); dirs != nil {
		t.Errorf("ExtraDirsFromEnv with unset var = %v, want nil", dirs)
	}
}

func TestEnvironment_Has(t *testing.T) {
	env := &Environment{Binaries: map[string]string{"ip": "/sbin/ip"}}
	if !env.Has("ip") {
		t.Error("Has(ip) = false, want true")
	}
	if env.Has("xauth") {
		t.Error("Has(xauth) = true for an environment without it")
	}
	if env.Path("xauth") != "" {
		t.Error("Path of a missing binary should be empty")
	}
}
