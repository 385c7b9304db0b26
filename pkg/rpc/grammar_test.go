package rpc

import "testing"

func TestEscapeArg_RawWhenSafe(t *testing.T) {
	if got := EscapeArg("eth0"); got != "eth0" {
		t.Errorf("EscapeArg(%q) = %q, want raw passthrough", "eth0", got)
	}
}

func TestEscapeArg_EscapesEmpty(t *testing.T) {
	if got := EscapeArg(""); got == "" {
		t.Error("EscapeArg(\"\") must not be the empty string (ambiguous with no argument)")
	}
}

func TestEscapeArg_EscapesSpecialBytes(t *testing.T) {
	tests := []string{"has space", "has=equals", "UPPER", "a\nb"}
	for _, in := range tests {
		got := EscapeArg(in)
		if got[0] != '=' {
			t.Errorf("EscapeArg(%q) = %q, want base64-escaped form", in, got)
		}
	}
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	tests := []string{"", "eth0", "has space", "a=b", "MixedCase123", "10.0.0.1/24"}
	for _, in := range tests {
		esc := EscapeArg(in)
		got, err := UnescapeArg(esc)
		if err != nil {
			t.Fatalf("UnescapeArg(%q) error: %v", esc, err)
		}
		if got != in {
			t.Errorf("round trip of %q via %q = %q", in, esc, got)
		}
	}
}

func TestDecodeLine(t *testing.T) {
	line := "IF SET 3 mtu 1500\n"
	toks, err := DecodeLine(line)
	if err != nil {
		t.Fatalf("DecodeLine error: %v", err)
	}
	want := []string{"IF", "SET", "3", "mtu", "1500"}
	if len(toks) != len(want) {
		t.Fatalf("got %v, want %v", toks, want)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, toks[i], want[i])
		}
	}
}

func TestDecodeLine_EscapedArgument(t *testing.T) {
	encoded := EncodeCommand("IF", "SET", "3", "name", "has space")
	toks, err := DecodeLine(encoded + "\n")
	if err != nil {
		t.Fatalf("DecodeLine error: %v", err)
	}
	if toks[4] != "has space" {
		t.Errorf("escaped argument = %q, want %q", toks[4], "has space")
	}
}
