//go:build !windows

package subproc

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/tannerhall/childminder/internal/metrics"
)

// SendSignal delivers sig to the live process. Once the process has
// terminated the call reports os.ErrProcessDone; the benign race where the
// process dies between the check and the kill maps ESRCH to the same error.
func (t *Transport) SendSignal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("subproc: unsupported signal %v", sig)
	}
	if t.exited() {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(t.pid, s); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return fmt.Errorf("signal pid %d: %w", t.pid, err)
	}
	metrics.IncSignal()
	return nil
}

// Terminate asks the process to stop.
func (t *Transport) Terminate() error {
	return t.SendSignal(syscall.SIGTERM)
}

// Kill stops the process forcefully.
func (t *Transport) Kill() error {
	return t.SendSignal(syscall.SIGKILL)
}

func shellArgv(command string) []string {
	return []string{"/bin/sh", "-c", command}
}
