//go:build !windows

package watcher

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitProcess blocks until pid terminates and returns its encoded status.
func waitProcess(pid int) (ExitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if wpid != pid {
			continue
		}
		if ws.Exited() || ws.Signaled() {
			return statusFromWait(ws), nil
		}
	}
}
