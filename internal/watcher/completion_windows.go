//go:build windows

package watcher

import "os"

// waitProcess blocks until pid terminates. Windows has no signal-carried
// statuses; the exit code is reported as-is.
func waitProcess(pid int) (ExitStatus, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	state, err := proc.Wait()
	if err != nil {
		return 0, err
	}
	return ExitStatus(state.ExitCode()), nil
}
