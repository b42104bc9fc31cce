//go:build !windows

package watcher

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// SafeWatcher is the conservative reaping policy. Each SIGCHLD delivery
// polls only the registered pids, so children spawned elsewhere in the
// program are never touched. A child that dies before AddWatch stays
// unreaped until its registration arrives.
type SafeWatcher struct {
	sigWatcher
}

// NewSafe constructs a conservative watcher. A nil logger falls back to
// slog.Default.
func NewSafe(log *slog.Logger) *SafeWatcher {
	w := &SafeWatcher{sigWatcher: newSigWatcher(log)}
	w.reap = w.reapRegistered
	return w
}

func (w *SafeWatcher) AddWatch(pid int, fn ExitFunc) error {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return ErrNotAttached
	}
	if _, ok := w.table[pid]; ok {
		w.mu.Unlock()
		return fmt.Errorf("watcher: pid %d already watched", pid)
	}
	w.table[pid] = fn
	w.mu.Unlock()

	// The child may have died before this registration; schedule a reap
	// pass rather than polling here, so every wait4 for a registered pid
	// runs on the dispatch goroutine and cannot race another collector.
	w.kick()
	return nil
}

func (w *SafeWatcher) reapRegistered() {
	w.mu.Lock()
	pids := make([]int, 0, len(w.table))
	for pid := range w.table {
		pids = append(pids, pid)
	}
	w.mu.Unlock()

	for _, pid := range pids {
		w.reapOne(pid)
	}
}

func (w *SafeWatcher) reapOne(pid int) {
	status, collected, err := waitNoHang(pid)
	switch {
	case err != nil:
		if errors.Is(err, unix.ECHILD) {
			// Someone else reaped the child. Resolve the waiter with
			// the conventional unknown status rather than hanging it.
			if w.deliver(pid, 255) {
				w.log.Warn("unknown child process, reporting exit status 255", "pid", pid)
			}
			return
		}
		w.log.Error("waitpid failed", "pid", pid, "error", err)
	case collected:
		w.deliver(pid, status)
	}
}
