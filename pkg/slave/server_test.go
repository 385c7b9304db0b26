package slave

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/nemu-network/nemu/pkg/environment"
	"github.com/nemu-network/nemu/pkg/rpc"
)

// startServer wires a Server to one end of an in-memory pipe and returns
// the client side's reader/writer. The pipe carries no fd-passing
// ancillary data, so these tests stick to commands that never transfer a
// descriptor.
func startServer(t *testing.T) (*bufio.Reader, *bufio.Writer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	srv := New(serverConn, &environment.Environment{HZ: 100})
	go srv.Serve(context.Background())
	t.Cleanup(func() { clientConn.Close() })

	r := bufio.NewReader(clientConn)
	w := bufio.NewWriter(clientConn)

	greeting, err := rpc.ReadReply(r)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Code != rpc.CodeGreeting {
		t.Fatalf("greeting code = %d, want %d", greeting.Code, rpc.CodeGreeting)
	}
	return r, w
}

func roundTrip(t *testing.T, r *bufio.Reader, w *bufio.Writer, tokens ...string) rpc.Reply {
	t.Helper()
	if err := rpc.WriteCommand(w, tokens...); err != nil {
		t.Fatalf("write %v: %v", tokens, err)
	}
	reply, err := rpc.ReadReply(r)
	if err != nil {
		t.Fatalf("read reply to %v: %v", tokens, err)
	}
	return reply
}

func TestServe_HelpAndUnknown(t *testing.T) {
	r, w := startServer(t)

	if reply := roundTrip(t, r, w, "HELP"); reply.Code != rpc.CodeOK {
		t.Errorf("HELP code = %d, want %d", reply.Code, rpc.CodeOK)
	}
	if reply := roundTrip(t, r, w, "BOGUS"); reply.Code != rpc.CodeProtocol {
		t.Errorf("unknown command code = %d, want %d", reply.Code, rpc.CodeProtocol)
	}
	if reply := roundTrip(t, r, w, "IF"); reply.Code != rpc.CodeProtocol {
		t.Errorf("missing sub-command code = %d, want %d", reply.Code, rpc.CodeProtocol)
	}
}

func TestServe_ProcBuildStateMachine(t *testing.T) {
	r, w := startServer(t)

	// Enter proc-build mode.
	if reply := roundTrip(t, r, w, "PROC", "CRTE", "/bin/true"); reply.Code != rpc.CodeOK {
		t.Fatalf("PROC CRTE code = %d, want %d", reply.Code, rpc.CodeOK)
	}

	// A malformed proc-build command 500s but keeps the server in build
	// mode: the next legal build command still succeeds.
	if reply := roundTrip(t, r, w, "PROC", "ENV", "loneKey"); reply.Code != rpc.CodeProtocol {
		t.Fatalf("odd PROC ENV code = %d, want %d", reply.Code, rpc.CodeProtocol)
	}
	if reply := roundTrip(t, r, w, "PROC", "CWD", "/tmp"); reply.Code != rpc.CodeOK {
		t.Fatalf("PROC CWD after build-command 500 = %d, want %d (should still be in build mode)", reply.Code, rpc.CodeOK)
	}

	// A non-build command mid-build is rejected and reverts to base mode
	// without being dispatched.
	if reply := roundTrip(t, r, w, "IF", "LIST"); reply.Code != rpc.CodeProtocol {
		t.Fatalf("IF LIST mid-build code = %d, want %d", reply.Code, rpc.CodeProtocol)
	}
	if reply := roundTrip(t, r, w, "PROC", "CWD", "/tmp"); reply.Code != rpc.CodeProtocol {
		t.Fatalf("PROC CWD after revert = %d, want %d (build mode must have been exited)", reply.Code, rpc.CodeProtocol)
	}
}

func TestServe_ProcAbortExitsBuildMode(t *testing.T) {
	r, w := startServer(t)

	roundTrip(t, r, w, "PROC", "CRTE", "/bin/true")
	if reply := roundTrip(t, r, w, "PROC", "ABRT"); reply.Code != rpc.CodeOK {
		t.Fatalf("PROC ABRT code = %d, want %d", reply.Code, rpc.CodeOK)
	}
	if reply := roundTrip(t, r, w, "PROC", "RUN"); reply.Code != rpc.CodeProtocol {
		t.Errorf("PROC RUN after ABRT code = %d, want %d", reply.Code, rpc.CodeProtocol)
	}
}

func TestServe_ProcRunWaitDrainsChildSet(t *testing.T) {
	r, w := startServer(t)

	roundTrip(t, r, w, "PROC", "CRTE", "/bin/true")
	reply := roundTrip(t, r, w, "PROC", "RUN")
	if reply.Code != rpc.CodeOK {
		t.Fatalf("PROC RUN code = %d, want %d (%s)", reply.Code, rpc.CodeOK, reply.Text())
	}
	pid, err := strconv.Atoi(strings.TrimSpace(reply.Text()))
	if err != nil {
		t.Fatalf("PROC RUN reply %q is not a pid", reply.Text())
	}

	wait := roundTrip(t, r, w, "PROC", "WAIT", strconv.Itoa(pid))
	if wait.Code != rpc.CodeOK || strings.TrimSpace(wait.Text()) != "0" {
		t.Fatalf("PROC WAIT = %d %q, want 200 0", wait.Code, wait.Text())
	}

	// The wait removed the child from the tracked set: a second WAIT is a
	// KeyError, marshalled as a 550.
	again := roundTrip(t, r, w, "PROC", "WAIT", strconv.Itoa(pid))
	if again.Code != rpc.CodeException {
		t.Errorf("second PROC WAIT code = %d, want %d", again.Code, rpc.CodeException)
	}
}

func TestServe_Quit(t *testing.T) {
	r, w := startServer(t)
	if reply := roundTrip(t, r, w, "QUIT"); reply.Code != rpc.CodeGoodbye {
		t.Errorf("QUIT code = %d, want %d", reply.Code, rpc.CodeGoodbye)
	}
}
