package kernelcfg

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

const tunDevice = "/dev/net/tun"

// ifReq mirrors struct ifreq's ifr_name/ifr_flags pair, the only fields
// TUNSETIFF touches.
type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// TunTap is a held /dev/net/tun file descriptor bound to a kernel interface
// name. The caller owns the fd and must Close it to tear the device down
// (closing the fd removes a non-persistent TAP/TUN device automatically).
type TunTap struct {
	file *os.File
	Name string
}

// File returns the underlying fd, e.g. to pass to a child process or to
// read/write packets directly.
func (t *TunTap) File() *os.File { return t.file }

// Close releases the device.
func (t *TunTap) Close() error { return t.file.Close() }

// CreateTap opens /dev/net/tun and binds it as a tap device (IFF_TAP),
// backing a TapNodeInterface. withPI controls whether each frame carries
// the 4-byte packet-info header; nemu callers normally pass false
// (IFF_NO_PI) since they don't need the protocol/flags metadata.
func CreateTap(name string, withPI bool) (*TunTap, error) {
	return createTunTap(name, unix.IFF_TAP, withPI)
}

// CreateTun opens /dev/net/tun and binds it as a tun device (IFF_TUN),
// backing a TunNodeInterface.
func CreateTun(name string, withPI bool) (*TunTap, error) {
	return createTunTap(name, unix.IFF_TUN, withPI)
}

func createTunTap(name string, kind int, withPI bool) (*TunTap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, nemuutil.NewConfigError("name", name, fmt.Sprintf("must be under %d bytes", unix.IFNAMSIZ))
	}

	f, err := os.OpenFile(tunDevice, os.O_RDWR, 0)
	if err != nil {
		return nil, nemuutil.NewKernelError([]string{"open", tunDevice}, -1, err.Error())
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = uint16(kind)
	if !withPI {
		req.Flags |= unix.IFF_NO_PI
	}

	if err := tunsetiff(f, &req); err != nil {
		f.Close()
		return nil, nemuutil.NewKernelError([]string{"ioctl", "TUNSETIFF", name}, -1, err.Error())
	}

	// The kernel may have truncated or otherwise altered the name (e.g. a
	// trailing "%d" template); read it back out of the same ifreq.
	actual := cString(req.Name[:])

	return &TunTap{file: f, Name: actual}, nil
}

func tunsetiff(f *os.File, req *ifReq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return errno
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
