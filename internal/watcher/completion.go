package watcher

import (
	"fmt"
	"log/slog"
	"sync"
)

// CompletionWatcher ties each registration to its own blocking OS wait
// primitive instead of sharing a termination signal. There is no "whose
// notification is this" ambiguity: the waiter for a pid can only ever
// observe that pid. It is the sole policy available on Windows and works on
// every platform.
type CompletionWatcher struct {
	log *slog.Logger

	mu       sync.Mutex
	attached bool
	table    map[int]*completionEntry
}

type completionEntry struct {
	fn ExitFunc

	// abandoned marks entries removed or detached while the wait was in
	// flight; the waiter goroutine discards its result.
	abandoned bool
}

// NewCompletion constructs a completion-based watcher. A nil logger falls
// back to slog.Default.
func NewCompletion(log *slog.Logger) *CompletionWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &CompletionWatcher{
		log:   log,
		table: make(map[int]*completionEntry),
	}
}

func (w *CompletionWatcher) Attach() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.attached {
		return ErrAlreadyAttached
	}
	w.attached = true
	return nil
}

// Detach resolves pending registrations with ErrDetached. Waiter goroutines
// whose process has not yet exited keep running until it does and then
// discard the result.
func (w *CompletionWatcher) Detach() error {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return ErrNotAttached
	}
	w.attached = false
	pending := w.table
	w.table = make(map[int]*completionEntry)
	for _, e := range pending {
		e.abandoned = true
	}
	w.mu.Unlock()

	for pid, e := range pending {
		e.fn(pid, 0, ErrDetached)
	}
	return nil
}

func (w *CompletionWatcher) AddWatch(pid int, fn ExitFunc) error {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return ErrNotAttached
	}
	if _, ok := w.table[pid]; ok {
		w.mu.Unlock()
		return fmt.Errorf("watcher: pid %d already watched", pid)
	}
	e := &completionEntry{fn: fn}
	w.table[pid] = e
	w.mu.Unlock()

	go w.await(pid, e)
	return nil
}

func (w *CompletionWatcher) RemoveWatch(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.table[pid]
	if !ok {
		return false
	}
	e.abandoned = true
	delete(w.table, pid)
	return true
}

func (w *CompletionWatcher) await(pid int, e *completionEntry) {
	status, err := waitProcess(pid)

	w.mu.Lock()
	if e.abandoned {
		w.mu.Unlock()
		return
	}
	delete(w.table, pid)
	w.mu.Unlock()

	if err != nil {
		w.log.Error("process wait failed", "pid", pid, "error", err)
		e.fn(pid, 0, err)
		return
	}
	e.fn(pid, status, nil)
}
