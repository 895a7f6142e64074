//go:build linux

package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// hciDeviceIndex extracts the numeric index from a host device name
// such as "hci0" -> 0. A name not of this shape yields an error; the
// SCAN_ADAPTER/CONNECT_ADAPTER values are not checked at config load.
func hciDeviceIndex(name string) (int, error) {
	n := strings.TrimPrefix(name, "hci")
	idx, err := strconv.Atoi(n)
	if err != nil {
		return 0, fmt.Errorf("adapter: %q is not a valid hci device name", name)
	}
	return idx, nil
}

// ioctlInt issues a single-int ioctl (HCIDEVDOWN/HCIDEVUP take the
// device index as their only argument).
func ioctlInt(fd int, req uintptr, arg int) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func isPermissionError(err error) bool {
	return err == syscall.EPERM || err == syscall.EACCES
}

// restartHost restarts the host Bluetooth service. This is the ladder's
// last-resort step (spec §4.6 step 4); like the ioctl steps it degrades
// to ErrPrivilegeDenied rather than aborting when unprivileged.
func (f *BLEFacade) restartHost(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "restart", "bluetooth")
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return ErrPrivilegeDenied
		}
		return fmt.Errorf("adapter: restart bluetooth service: %w", err)
	}
	return nil
}
