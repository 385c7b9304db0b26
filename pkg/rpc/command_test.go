package rpc

import "testing"

func TestParseCommand_QuitHelp(t *testing.T) {
	for _, name := range []string{"QUIT", "HELP"} {
		c, err := ParseCommand([]string{name})
		if err != nil {
			t.Fatalf("ParseCommand(%q) error: %v", name, err)
		}
		if c.Name != name || c.Sub != "" {
			t.Errorf("parsed %+v", c)
		}
	}
}

func TestParseCommand_IFSet(t *testing.T) {
	c, err := ParseCommand([]string{"IF", "SET", "3", "mtu", "1500"})
	if err != nil {
		t.Fatalf("ParseCommand error: %v", err)
	}
	if c.Name != "IF" || c.Sub != "SET" || len(c.Args) != 3 {
		t.Errorf("parsed %+v", c)
	}
}

func TestParseCommand_IFSet_RepeatedPairs(t *testing.T) {
	c, err := ParseCommand([]string{"IF", "SET", "3", "mtu", "1500", "up", "1"})
	if err != nil {
		t.Fatalf("ParseCommand error: %v", err)
	}
	if len(c.Args) != 5 {
		t.Errorf("Args = %v, want 5 entries", c.Args)
	}
}

func TestParseCommand_UnknownCommand(t *testing.T) {
	if _, err := ParseCommand([]string{"BOGUS"}); err == nil {
		t.Error("unknown command should error")
	}
}

func TestParseCommand_UnknownSubCommand(t *testing.T) {
	if _, err := ParseCommand([]string{"IF", "BOGUS"}); err == nil {
		t.Error("unknown sub-command should error")
	}
}

func TestParseCommand_TooFewArgs(t *testing.T) {
	if _, err := ParseCommand([]string{"IF", "DEL"}); err == nil {
		t.Error("IF DEL with no ifnr should error")
	}
}

func TestParseCommand_TooManyArgs(t *testing.T) {
	if _, err := ParseCommand([]string{"IF", "DEL", "3", "extra"}); err == nil {
		t.Error("IF DEL with a trailing extra argument should error (no variadic tail)")
	}
}

func TestParseCommand_TypeMismatch(t *testing.T) {
	if _, err := ParseCommand([]string{"IF", "DEL", "not-a-number"}); err == nil {
		t.Error("IF DEL with a non-integer ifnr should error")
	}
}

func TestParseCommand_ADDR_ADD_OptionalBroadcast(t *testing.T) {
	c, err := ParseCommand([]string{"ADDR", "ADD", "3", "10.0.0.1", "24"})
	if err != nil {
		t.Fatalf("ParseCommand error: %v", err)
	}
	if len(c.Args) != 3 {
		t.Errorf("Args = %v, want 3", c.Args)
	}

	c, err = ParseCommand([]string{"ADDR", "ADD", "3", "10.0.0.1", "24", "10.0.0.255"})
	if err != nil {
		t.Fatalf("ParseCommand with broadcast error: %v", err)
	}
	if len(c.Args) != 4 {
		t.Errorf("Args = %v, want 4", c.Args)
	}
}

func TestParseCommand_ProcKillOptionalSignal(t *testing.T) {
	c, err := ParseCommand([]string{"PROC", "KILL", "1234"})
	if err != nil {
		t.Fatalf("PROC KILL without a signal should parse: %v", err)
	}
	if len(c.Args) != 1 {
		t.Errorf("Args = %v, want 1", c.Args)
	}
	if _, err := ParseCommand([]string{"PROC", "KILL", "1234", "9"}); err != nil {
		t.Errorf("PROC KILL with a signal should parse: %v", err)
	}
	if _, err := ParseCommand([]string{"PROC", "KILL", "1234", "HUP"}); err == nil {
		t.Error("non-integer signal should be rejected")
	}
}

func TestIsProcBuildTokens(t *testing.T) {
	tests := []struct {
		tokens []string
		want   bool
	}{
		{[]string{"PROC", "ENV", "loneKey"}, true}, // malformed arity, still a build command
		{[]string{"PROC", "RUN"}, true},
		{[]string{"QUIT"}, true},
		{[]string{"PROC", "CRTE", "/bin/true"}, false}, // CRTE enters build mode, is not legal inside it
		{[]string{"IF", "LIST"}, false},
		{[]string{"IF"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsProcBuildTokens(tt.tokens); got != tt.want {
			t.Errorf("IsProcBuildTokens(%v) = %v, want %v", tt.tokens, got, tt.want)
		}
	}
}

func TestIsProcBuild(t *testing.T) {
	build, _ := ParseCommand([]string{"PROC", "USER", "nobody"})
	if !build.IsProcBuild() {
		t.Error("PROC USER should be a legal proc-build command")
	}
	notBuild, _ := ParseCommand([]string{"IF", "LIST"})
	if notBuild.IsProcBuild() {
		t.Error("IF LIST must not be legal inside proc-build mode")
	}
}
