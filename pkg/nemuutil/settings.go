package nemuutil

import (
	"fmt"
	"os/user"
)

// Settings is the process-wide configuration singleton holding the
// default run_as user and related library-wide defaults.
type Settings struct {
	RunAsUser   string   // default target user for PROC RUN
	ExtraDirs   []string // extra directories searched by the environment probe
	ForwardX11  bool     // default X11-forwarding flag for new nodes
}

// Option configures Settings.
type Option func(*Settings)

// WithRunAsUser overrides the default run_as user. Root (uid 0) is rejected:
// running emulated node processes as root defeats the isolation the
// library is built to provide.
func WithRunAsUser(name string) Option {
	return func(s *Settings) { s.RunAsUser = name }
}

// WithExtraDirs adds directories to the environment probe's search path.
func WithExtraDirs(dirs ...string) Option {
	return func(s *Settings) { s.ExtraDirs = append(s.ExtraDirs, dirs...) }
}

// WithForwardX11 sets the default X11-forwarding flag for new nodes.
func WithForwardX11(v bool) Option {
	return func(s *Settings) { s.ForwardX11 = v }
}

// DefaultRunAsUser resolves to "nobody" if present, else uid 65534. It
// never resolves to root.
func DefaultRunAsUser() string {
	if u, err := user.Lookup("nobody"); err == nil {
		return u.Username
	}
	return "65534"
}

// NewSettings builds a Settings with defaults applied, then options.
func NewSettings(opts ...Option) (*Settings, error) {
	s := &Settings{RunAsUser: DefaultRunAsUser()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects a run_as user that resolves to root.
func (s *Settings) Validate() error {
	if s.RunAsUser == "" {
		return NewConfigError("run_as", s.RunAsUser, "must not be empty")
	}
	if s.RunAsUser == "0" || s.RunAsUser == "root" {
		return NewConfigError("run_as", s.RunAsUser, "root is rejected")
	}
	if u, err := user.Lookup(s.RunAsUser); err == nil && u.Uid == "0" {
		return NewConfigError("run_as", s.RunAsUser, fmt.Sprintf("resolves to uid 0 (%s)", u.Username))
	}
	return nil
}

// global is the default Settings instance used when callers don't build
// their own, mirroring the single package-level Logger pattern this
// codebase already uses for logging.
var global = &Settings{RunAsUser: DefaultRunAsUser()}

// Global returns the process-wide default Settings.
func Global() *Settings { return global }

// SetGlobal replaces the process-wide default Settings.
func SetGlobal(s *Settings) { global = s }
