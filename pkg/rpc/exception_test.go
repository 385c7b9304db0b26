package rpc

import (
	"testing"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

func TestMarshalUnmarshalException_RoundTrip(t *testing.T) {
	original := &nemuutil.RemoteError{
		Kind:        nemuutil.RemoteKeyError,
		Errno:       0,
		Message:     "no such interface",
		RemoteTrace: "handler.go:42",
	}
	lines := MarshalException(original)
	if len(lines) != 2 {
		t.Fatalf("MarshalException produced %d lines, want 2", len(lines))
	}
	if lines[0][0] != '#' {
		t.Errorf("first line must be a comment, got %q", lines[0])
	}

	got, err := UnmarshalException(lines)
	if err != nil {
		t.Fatalf("UnmarshalException error: %v", err)
	}
	if got.Kind != original.Kind || got.Message != original.Message || got.RemoteTrace != original.RemoteTrace {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, original)
	}
}

func TestIsKeyError_RoundTrips(t *testing.T) {
	original := nemuutil.NewRemoteKeyError("missing")
	lines := MarshalException(original)
	got, err := UnmarshalException(lines)
	if err != nil {
		t.Fatalf("UnmarshalException error: %v", err)
	}
	if !nemuutil.IsKeyError(got) {
		t.Error("a KeyError should round-trip as a KeyError at the client")
	}
}

func TestReplyToError_Exception(t *testing.T) {
	original := &nemuutil.RemoteError{Kind: nemuutil.RemoteValueError, Message: "bad value"}
	r := Reply{Code: CodeException, Lines: MarshalException(original)}
	err := ReplyToError(r)
	if err == nil {
		t.Fatal("ReplyToError should return a non-nil error for a 550 reply")
	}
	re, ok := err.(*nemuutil.RemoteError)
	if !ok {
		t.Fatalf("ReplyToError returned %T, want *nemuutil.RemoteError", err)
	}
	if re.Message != "bad value" {
		t.Errorf("Message = %q, want %q", re.Message, "bad value")
	}
}

func TestReplyToError_Success(t *testing.T) {
	if err := ReplyToError(Reply{Code: CodeOK, Lines: []string{"ok"}}); err != nil {
		t.Errorf("ReplyToError on success = %v, want nil", err)
	}
}
