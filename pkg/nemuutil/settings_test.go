package nemuutil

import "testing"

func TestNewSettings_RejectsRoot(t *testing.T) {
	if _, err := NewSettings(WithRunAsUser("root")); err == nil {
		t.Error("run_as root must be rejected")
	}
	if _, err := NewSettings(WithRunAsUser("0")); err == nil {
		t.Error("run_as uid 0 must be rejected")
	}
}

func TestNewSettings_Defaults(t *testing.T) {
	s, err := NewSettings()
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	if s.RunAsUser == "" || s.RunAsUser == "root" || s.RunAsUser == "0" {
		t.Errorf("default RunAsUser = %q, want a non-root user", s.RunAsUser)
	}
}

func TestNewSettings_ExtraDirs(t *testing.T) {
	s, err := NewSettings(WithExtraDirs("/opt/net/bin", "/srv/bin"))
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	if len(s.ExtraDirs) != 2 {
		t.Errorf("ExtraDirs = %v, want two entries", s.ExtraDirs)
	}
}
