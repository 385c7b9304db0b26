package rpc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// SendFD transmits f as an SCM_RIGHTS ancillary message over conn, with
// payload as the regular byte payload. For a PROC SIN/SOUT/SERR transfer
// the payload must equal the literal command name, which the receiving
// side validates.
func SendFD(connFD int, payload string, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(connFD, []byte(payload), rights, nil, 0)
}

// SendFDPlaceholder sends payload with no ancillary data, the fallback
// path for when the client fails to obtain an fd to send: it still writes
// a placeholder of the same payload length so the server's recvmsg
// completes.
func SendFDPlaceholder(connFD int, payload string) error {
	return unix.Sendmsg(connFD, []byte(payload), nil, nil, 0)
}

// RecvFD reads one SCM_RIGHTS message from connFD, validates the text
// payload equals wantPayload, and returns the received file (nil if the
// client used the no-FD placeholder path).
func RecvFD(connFD int, wantPayload string) (*os.File, error) {
	buf := make([]byte, len(wantPayload)+1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(connFD, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("nemu: recvmsg for %s: %w", wantPayload, err)
	}
	if string(buf[:n]) != wantPayload {
		return nil, nemuutil.NewProtocolError(fmt.Sprintf("fd transfer payload %q does not match expected %q", buf[:n], wantPayload))
	}
	if oobn == 0 {
		return nil, nil // placeholder path: client sent no fd
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("nemu: parse control message for %s: %w", wantPayload, err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return os.NewFile(uintptr(fds[0]), wantPayload), nil
		}
	}
	return nil, nemuutil.NewProtocolError("fd transfer for " + wantPayload + " carried no rights")
}
