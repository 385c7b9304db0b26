package nemuutil

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomySentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
	}{
		{NewConfigError("mtu", "0", "out of range"), ErrConfig},
		{NewKernelError([]string{"ip", "link"}, 2, "boom"), ErrKernel},
		{NewProtocolError("bad line"), ErrProtocol},
		{NewRemoteError(RemoteRuntimeError, "remote boom"), ErrRemote},
		{NewLifecycleError("n1"), ErrLifecycle},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("%v should unwrap to %v", tt.err, tt.sentinel)
		}
	}
}

func TestIsKeyError(t *testing.T) {
	if !IsKeyError(NewRemoteKeyError("missing")) {
		t.Error("IsKeyError should recognise a KeyError-tagged RemoteError")
	}
	if IsKeyError(NewRemoteError(RemoteValueError, "bad")) {
		t.Error("IsKeyError must reject other remote kinds")
	}
	if IsKeyError(errors.New("plain")) {
		t.Error("IsKeyError must reject non-remote errors")
	}
	wrapped := fmt.Errorf("context: %w", NewRemoteKeyError("missing"))
	if !IsKeyError(wrapped) {
		t.Error("IsKeyError should see through wrapping")
	}
}

func TestRemoteError_PreservesTrace(t *testing.T) {
	re := &RemoteError{Kind: RemoteOSError, Message: "open failed", RemoteTrace: "handler.go:10"}
	if msg := re.Error(); msg == "" || !containsAll(msg, "open failed", "handler.go:10") {
		t.Errorf("Error() = %q, want message and remote trace", msg)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		found := false
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
