//go:build !windows

package watcher

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/tannerhall/childminder/internal/metrics"
)

// FastWatcher is the eager reaping policy. Each SIGCHLD delivery reaps every
// terminable child in one pass, caching statuses for pids with no
// registration yet and handing them out when a matching AddWatch arrives.
//
// The pass uses waitpid(-1), so children spawned outside this watcher are
// reaped here as well and their statuses sit in the cache until the watcher
// detaches. That loss is inherent to the policy and accepted.
type FastWatcher struct {
	sigWatcher

	// zombies holds statuses reaped before a registration existed,
	// guarded by sigWatcher.mu.
	zombies map[int]ExitStatus
}

// NewFast constructs an eager watcher. A nil logger falls back to
// slog.Default.
func NewFast(log *slog.Logger) *FastWatcher {
	w := &FastWatcher{
		sigWatcher: newSigWatcher(log),
		zombies:    make(map[int]ExitStatus),
	}
	w.reap = w.reapAll
	return w
}

func (w *FastWatcher) AddWatch(pid int, fn ExitFunc) error {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return ErrNotAttached
	}
	if status, ok := w.zombies[pid]; ok {
		delete(w.zombies, pid)
		w.mu.Unlock()
		fn(pid, status, nil)
		return nil
	}
	if _, ok := w.table[pid]; ok {
		w.mu.Unlock()
		return fmt.Errorf("watcher: pid %d already watched", pid)
	}
	w.table[pid] = fn
	w.mu.Unlock()

	// A coalesced notification for this pid may already be pending.
	w.kick()
	return nil
}

func (w *FastWatcher) Detach() error {
	err := w.sigWatcher.Detach()
	w.mu.Lock()
	w.zombies = make(map[int]ExitStatus)
	w.mu.Unlock()
	return err
}

func (w *FastWatcher) reapAll() {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return
		case err != nil:
			w.log.Error("waitpid failed", "error", err)
			return
		case wpid == 0:
			return
		}

		status := statusFromWait(ws)
		if w.deliver(wpid, status) {
			continue
		}

		w.mu.Lock()
		if w.attached {
			w.zombies[wpid] = status
		}
		w.mu.Unlock()
		metrics.IncOrphanCached()
		w.log.Debug("cached exit status for unregistered pid", "pid", wpid, "status", int(status))
	}
}

// zombieStatus reports a cached status for pid, if any.
func (w *FastWatcher) zombieStatus(pid int) (ExitStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	status, ok := w.zombies[pid]
	return status, ok
}
