package rpc

import (
	"strconv"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// ArgKind tags one positional argument's expected type for parser-level
// validation; an argument type mismatch (i, b, s) yields a 500 reply.
type ArgKind int

const (
	KindString ArgKind = iota
	KindInt
	KindBool
)

// Spec describes one command's (or sub-command's) arity and argument
// types: Mandatory must all be present, Variadic (if non-nil) describes
// the type every argument after Mandatory must satisfy, repeated zero or
// more times.
type Spec struct {
	Mandatory []ArgKind
	Variadic  *ArgKind
}

// commandKey identifies a command, optionally qualified by sub-command
// ("IF SET", "PROC CRTE"); commands with no sub-command use an empty Sub.
type commandKey struct {
	Name string
	Sub  string
}

// twoWordCommands names the first tokens that always carry a sub-command.
var twoWordCommands = map[string]bool{
	"X11": true, "IF": true, "ADDR": true, "ROUT": true, "PROC": true,
}

// specs is the full command table recognised by the RPC protocol.
var specs = map[commandKey]Spec{
	{"QUIT", ""}: {},
	{"HELP", ""}: {},

	{"X11", "SET"}:  {Mandatory: []ArgKind{KindString, KindString}},
	{"X11", "SOCK"}: {},

	{"IF", "LIST"}: {Variadic: kindPtr(KindInt)}, // optional single ifnr
	{"IF", "SET"}: {
		Mandatory: []ArgKind{KindInt, KindString, KindString},
		Variadic:  kindPtr(KindString), // further attr/value pairs
	},
	{"IF", "RTRN"}: {Mandatory: []ArgKind{KindInt, KindInt}},
	{"IF", "DEL"}:  {Mandatory: []ArgKind{KindInt}},

	{"ADDR", "LIST"}: {Variadic: kindPtr(KindInt)},
	{"ADDR", "ADD"}: {
		Mandatory: []ArgKind{KindInt, KindString, KindInt},
		Variadic:  kindPtr(KindString), // optional broadcast
	},
	{"ADDR", "DEL"}: {Mandatory: []ArgKind{KindInt, KindString, KindInt}},

	{"ROUT", "LIST"}: {},
	{"ROUT", "ADD"}:  {Mandatory: []ArgKind{KindString, KindString, KindInt, KindString, KindInt, KindInt}},
	{"ROUT", "DEL"}:  {Mandatory: []ArgKind{KindString, KindString, KindInt, KindString, KindInt, KindInt}},

	{"PROC", "CRTE"}: {Mandatory: []ArgKind{KindString}, Variadic: kindPtr(KindString)},
	{"PROC", "POLL"}: {Mandatory: []ArgKind{KindInt}},
	{"PROC", "WAIT"}: {Mandatory: []ArgKind{KindInt}},
	{"PROC", "KILL"}: {Mandatory: []ArgKind{KindInt}, Variadic: kindPtr(KindInt)}, // optional signal, default TERM

	// proc-build-mode sub-commands.
	{"PROC", "USER"}: {Mandatory: []ArgKind{KindString}},
	{"PROC", "CWD"}:  {Mandatory: []ArgKind{KindString}},
	{"PROC", "ENV"}:  {Mandatory: []ArgKind{KindString, KindString}, Variadic: kindPtr(KindString)},
	{"PROC", "SIN"}:  {},
	{"PROC", "SOUT"}: {},
	{"PROC", "SERR"}: {},
	{"PROC", "RUN"}:  {},
	{"PROC", "ABRT"}: {},
}

func kindPtr(k ArgKind) *ArgKind { return &k }

// procBuildCommands is the set legal while the server is in proc-build
// mode (after PROC CRTE, before RUN/ABRT/error).
var procBuildCommands = map[commandKey]bool{
	{"PROC", "USER"}: true, {"PROC", "CWD"}: true, {"PROC", "ENV"}: true,
	{"PROC", "SIN"}: true, {"PROC", "SOUT"}: true, {"PROC", "SERR"}: true,
	{"PROC", "RUN"}: true, {"PROC", "ABRT"}: true,
	{"QUIT", ""}: true, {"HELP", ""}: true,
}

// Command is a parsed, arity/type-checked protocol line.
type Command struct {
	Name string
	Sub  string
	Args []string
}

// IsProcBuild reports whether this command is legal while the server is in
// proc-build mode.
func (c Command) IsProcBuild() bool { return procBuildCommands[commandKey{c.Name, c.Sub}] }

// IsProcBuildTokens reports whether raw tokens name a proc-build command,
// usable even when ParseCommand rejected the line (arity or type error):
// a 500 inside proc-build mode leaves the server in proc-build mode only
// if the offending command was itself a proc-build command.
func IsProcBuildTokens(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	key := commandKey{Name: tokens[0]}
	if twoWordCommands[tokens[0]] {
		if len(tokens) < 2 {
			return false
		}
		key.Sub = tokens[1]
	}
	return procBuildCommands[key]
}

// ParseCommand splits tokens into name/sub/args and validates arity and
// argument types against the command table.
// Unknown command/sub-command and any arity/type mismatch all surface as
// *nemuutil.ProtocolError (the 500 class).
func ParseCommand(tokens []string) (Command, error) {
	if len(tokens) == 0 {
		return Command{}, nemuutil.NewProtocolError("empty command line")
	}

	name := tokens[0]
	rest := tokens[1:]
	sub := ""
	if twoWordCommands[name] {
		if len(rest) == 0 {
			return Command{}, nemuutil.NewProtocolError("missing sub-command for " + name)
		}
		sub = rest[0]
		rest = rest[1:]
	}

	key := commandKey{name, sub}
	spec, ok := specs[key]
	if !ok {
		if sub != "" {
			return Command{}, nemuutil.NewProtocolError("unknown sub-command " + name + " " + sub)
		}
		return Command{}, nemuutil.NewProtocolError("unknown command " + name)
	}

	if err := checkArity(spec, rest); err != nil {
		return Command{}, err
	}
	if err := checkTypes(spec, rest); err != nil {
		return Command{}, err
	}

	return Command{Name: name, Sub: sub, Args: rest}, nil
}

func checkArity(spec Spec, args []string) error {
	if len(args) < len(spec.Mandatory) {
		return nemuutil.NewProtocolError("too few arguments")
	}
	if spec.Variadic == nil && len(args) > len(spec.Mandatory) {
		return nemuutil.NewProtocolError("too many arguments")
	}
	return nil
}

func checkTypes(spec Spec, args []string) error {
	for i, a := range args {
		var kind ArgKind
		if i < len(spec.Mandatory) {
			kind = spec.Mandatory[i]
		} else if spec.Variadic != nil {
			kind = *spec.Variadic
		} else {
			break
		}
		if err := checkKind(kind, a); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(kind ArgKind, val string) error {
	switch kind {
	case KindInt:
		if _, err := strconv.Atoi(val); err != nil {
			return nemuutil.NewProtocolError("expected integer argument, got " + val)
		}
	case KindBool:
		if val != "0" && val != "1" {
			return nemuutil.NewProtocolError("expected boolean (0/1) argument, got " + val)
		}
	case KindString:
		// any decoded string is acceptable
	}
	return nil
}
