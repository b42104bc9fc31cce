//go:build windows

package subproc

import (
	"errors"
	"fmt"
	"os"

	"github.com/tannerhall/childminder/internal/metrics"
)

// SendSignal is not meaningful on Windows, which has no arbitrary signal
// delivery; only Terminate and Kill apply.
func (t *Transport) SendSignal(sig os.Signal) error {
	return fmt.Errorf("subproc: signal %v: %w", sig, errors.ErrUnsupported)
}

// Terminate stops the process. Without signals this is as forceful as Kill.
func (t *Transport) Terminate() error {
	return t.forceKill()
}

// Kill stops the process forcefully.
func (t *Transport) Kill() error {
	return t.forceKill()
}

func (t *Transport) forceKill() error {
	if t.exited() {
		return os.ErrProcessDone
	}
	if err := t.proc.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return os.ErrProcessDone
		}
		return fmt.Errorf("kill pid %d: %w", t.pid, err)
	}
	metrics.IncSignal()
	return nil
}

func shellArgv(command string) []string {
	return []string{"cmd", "/c", command}
}
