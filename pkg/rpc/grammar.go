// Package rpc implements the line-based control protocol between the nemu
// master process and its per-node slave: a command grammar, a multi-line
// reply grammar, base64 argument escaping, SCM_RIGHTS file-descriptor
// passing for PROC SIN/SOUT/SERR, and serialised-exception marshalling
// for 550 replies.
package rpc

import (
	"encoding/base64"
	"strings"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// needsEscape reports whether a raw argument byte forces base64 escaping:
// any argument that is empty, or contains a byte ≤ space, above 'z', or
// an '=' character, must be escaped.
func needsEscape(arg string) bool {
	if arg == "" {
		return true
	}
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c <= ' ' || c > 'z' || c == '=' {
			return true
		}
	}
	return false
}

// EscapeArg renders one command-line argument as either the raw bytes, or
// "=<base64>" when the raw form would be ambiguous.
func EscapeArg(arg string) string {
	if !needsEscape(arg) {
		return arg
	}
	return "=" + base64.StdEncoding.EncodeToString([]byte(arg))
}

// UnescapeArg reverses EscapeArg.
func UnescapeArg(tok string) (string, error) {
	if !strings.HasPrefix(tok, "=") {
		return tok, nil
	}
	b, err := base64.StdEncoding.DecodeString(tok[1:])
	if err != nil {
		return "", nemuutil.NewProtocolError("malformed base64 argument " + tok)
	}
	return string(b), nil
}

// EncodeCommand joins a command name and raw argument values into one
// protocol line (without the trailing newline), escaping as needed.
func EncodeCommand(tokens ...string) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = EscapeArg(t)
	}
	return strings.Join(parts, " ")
}

// DecodeLine splits one received protocol line into its argument tokens
// and unescapes each. Trailing whitespace is ignored.
func DecodeLine(line string) ([]string, error) {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" {
		return nil, nil
	}
	fields := strings.Fields(line)
	out := make([]string, len(fields))
	for i, f := range fields {
		v, err := UnescapeArg(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
