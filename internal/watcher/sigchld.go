//go:build !windows

package watcher

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// sigWatcher carries the state shared by the SIGCHLD-driven policies: the
// signal subscription, the dispatch goroutine and the pid table. The concrete
// policy supplies the reap pass.
type sigWatcher struct {
	log *slog.Logger

	mu       sync.Mutex
	table    map[int]ExitFunc
	attached bool

	sig  chan os.Signal
	stop chan struct{}
	done chan struct{}

	reap func()
}

func newSigWatcher(log *slog.Logger) sigWatcher {
	if log == nil {
		log = slog.Default()
	}
	return sigWatcher{
		log:   log,
		table: make(map[int]ExitFunc),
	}
}

func (w *sigWatcher) Attach() error {
	w.mu.Lock()
	if w.attached {
		w.mu.Unlock()
		return ErrAlreadyAttached
	}
	w.sig = make(chan os.Signal, 1)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.attached = true
	signal.Notify(w.sig, unix.SIGCHLD)
	sig, stop, done := w.sig, w.stop, w.done
	w.mu.Unlock()

	go w.dispatch(sig, stop, done)
	return nil
}

func (w *sigWatcher) dispatch(sig chan os.Signal, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-sig:
			w.reap()
		}
	}
}

func (w *sigWatcher) Detach() error {
	w.mu.Lock()
	if !w.attached {
		w.mu.Unlock()
		return ErrNotAttached
	}
	w.attached = false
	sig, stop, done := w.sig, w.stop, w.done
	w.mu.Unlock()

	signal.Stop(sig)
	close(stop)
	<-done

	w.mu.Lock()
	pending := w.table
	w.table = make(map[int]ExitFunc)
	w.mu.Unlock()

	for pid, fn := range pending {
		fn(pid, 0, ErrDetached)
	}
	return nil
}

func (w *sigWatcher) RemoveWatch(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.table[pid]; !ok {
		return false
	}
	delete(w.table, pid)
	return true
}

// kick schedules a reap pass without waiting for the next SIGCHLD, used when
// a registration may already have a terminable child behind it.
func (w *sigWatcher) kick() {
	w.mu.Lock()
	sig, attached := w.sig, w.attached
	w.mu.Unlock()
	if !attached {
		return
	}
	select {
	case sig <- unix.SIGCHLD:
	default:
	}
}

// deliver resolves pid with status if a registration exists, reporting
// whether a callback was invoked.
func (w *sigWatcher) deliver(pid int, status ExitStatus) bool {
	w.mu.Lock()
	fn, ok := w.table[pid]
	if ok {
		delete(w.table, pid)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	fn(pid, status, nil)
	return true
}

func statusFromWait(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus(-int(ws.Signal()))
	}
	return ExitStatus(ws.ExitStatus())
}

// waitNoHang polls pid for termination without blocking. The second result
// reports whether a status was collected.
func waitNoHang(pid int) (ExitStatus, bool, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, false, err
		case wpid == 0:
			return 0, false, nil
		default:
			return statusFromWait(ws), true, nil
		}
	}
}
