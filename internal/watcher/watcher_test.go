//go:build !windows

package watcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type exitResult struct {
	status ExitStatus
	err    error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attach(t *testing.T, w Watcher) {
	t.Helper()
	if err := w.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(func() { _ = w.Detach() })
}

func spawnShell(t *testing.T, command string) int {
	t.Helper()
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open null device: %v", err)
	}
	defer null.Close()
	proc, err := os.StartProcess("/bin/sh", []string{"/bin/sh", "-c", command}, &os.ProcAttr{
		Files: []*os.File{null, null, null},
	})
	if err != nil {
		t.Fatalf("spawn %q: %v", command, err)
	}
	return proc.Pid
}

func watchPid(t *testing.T, w Watcher, pid int) <-chan exitResult {
	t.Helper()
	ch := make(chan exitResult, 1)
	if err := w.AddWatch(pid, func(_ int, status ExitStatus, err error) {
		ch <- exitResult{status: status, err: err}
	}); err != nil {
		t.Fatalf("add watch for pid %d: %v", pid, err)
	}
	return ch
}

func awaitResult(t *testing.T, ch <-chan exitResult, timeout time.Duration) exitResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for exit callback")
		return exitResult{}
	}
}

// reapDirectly collects a child the watcher deliberately left behind.
func reapDirectly(pid int) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		_ = wpid
		return
	}
}

func TestSafeWatcherResolvesConcurrentChildren(t *testing.T) {
	w := NewSafe(discardLogger())
	attach(t, w)

	const n = 6
	type child struct {
		pid  int
		code int
		ch   <-chan exitResult
	}
	children := make([]child, 0, n)
	for i := 0; i < n; i++ {
		pid := spawnShell(t, fmt.Sprintf("exit %d", i))
		children = append(children, child{pid: pid, code: i, ch: watchPid(t, w, pid)})
	}

	for _, c := range children {
		res := awaitResult(t, c.ch, 5*time.Second)
		if res.err != nil {
			t.Fatalf("pid %d: unexpected error %v", c.pid, res.err)
		}
		if res.status != ExitStatus(c.code) {
			t.Fatalf("pid %d: expected exit status %d, got %v", c.pid, c.code, res.status)
		}
	}
}

func TestSafeWatcherRegistrationAfterExit(t *testing.T) {
	w := NewSafe(discardLogger())
	attach(t, w)

	pid := spawnShell(t, "exit 4")
	// Give the child time to die; the conservative policy must leave it
	// unreaped until a registration appears.
	time.Sleep(500 * time.Millisecond)

	if _, err := os.Stat("/proc/self/stat"); err == nil {
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		if err != nil {
			t.Fatalf("expected unregistered child to remain in the process table: %v", err)
		}
		if !containsZombieState(data) {
			t.Fatalf("expected zombie state for unregistered child, got %q", data)
		}
	}

	res := awaitResult(t, watchPid(t, w, pid), 5*time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.status != 4 {
		t.Fatalf("expected exit status 4, got %v", res.status)
	}
}

// containsZombieState inspects the state field of /proc/<pid>/stat, which
// follows the parenthesized command name.
func containsZombieState(stat []byte) bool {
	for i := len(stat) - 1; i >= 0; i-- {
		if stat[i] == ')' {
			rest := stat[i+1:]
			for _, b := range rest {
				if b == ' ' {
					continue
				}
				return b == 'Z'
			}
			return false
		}
	}
	return false
}

func TestSafeWatcherRegistrationDuringReapPass(t *testing.T) {
	w := NewSafe(discardLogger())
	attach(t, w)

	// A registration arriving while a signal-driven reap pass is underway
	// must still receive the child's real status, never the unknown-child
	// fallback.
	for i := 0; i < 50; i++ {
		pid := spawnShell(t, "exit 6")
		// Let the child reach the zombie state so registration and reap
		// pass contend for the same collectible pid.
		time.Sleep(20 * time.Millisecond)

		ch := make(chan exitResult, 1)
		go w.kick()
		if err := w.AddWatch(pid, func(_ int, status ExitStatus, err error) {
			ch <- exitResult{status: status, err: err}
		}); err != nil {
			t.Fatalf("iteration %d: add watch: %v", i, err)
		}

		res := awaitResult(t, ch, 5*time.Second)
		if res.err != nil {
			t.Fatalf("iteration %d: unexpected error %v", i, res.err)
		}
		if res.status != 6 {
			t.Fatalf("iteration %d: expected exit status 6, got %v", i, res.status)
		}
	}
}

func TestFastWatcherCachesEarlyExit(t *testing.T) {
	w := NewFast(discardLogger())
	attach(t, w)

	pid := spawnShell(t, "exit 5")

	// The eager pass reaps the child without a registration and caches its
	// status.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := w.zombieStatus(pid); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("eager watcher never cached the early exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res := awaitResult(t, watchPid(t, w, pid), time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.status != 5 {
		t.Fatalf("expected cached exit status 5, got %v", res.status)
	}
	if _, ok := w.zombieStatus(pid); ok {
		t.Fatal("cached status should be consumed by registration")
	}
}

func TestFastWatcherRoutesStatusesByPid(t *testing.T) {
	w := NewFast(discardLogger())
	attach(t, w)

	const n = 8
	pids := make([]int, n)
	chans := make([]<-chan exitResult, n)
	for i := 0; i < n; i++ {
		pids[i] = spawnShell(t, fmt.Sprintf("exit %d", i+10))
		chans[i] = watchPid(t, w, pids[i])
	}

	for i := 0; i < n; i++ {
		res := awaitResult(t, chans[i], 5*time.Second)
		if res.err != nil {
			t.Fatalf("pid %d: unexpected error %v", pids[i], res.err)
		}
		if res.status != ExitStatus(i+10) {
			t.Fatalf("pid %d: expected exit status %d, got %v", pids[i], i+10, res.status)
		}
	}
}

func TestDetachResolvesPendingRegistrations(t *testing.T) {
	w := NewSafe(discardLogger())
	if err := w.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	pid := spawnShell(t, "sleep 60")
	ch := watchPid(t, w, pid)

	if err := w.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}

	res := awaitResult(t, ch, 2*time.Second)
	if !errors.Is(res.err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", res.err)
	}

	_ = syscall.Kill(pid, syscall.SIGKILL)
	reapDirectly(pid)
}

func TestRemoveWatchStopsDelivery(t *testing.T) {
	w := NewSafe(discardLogger())
	attach(t, w)

	pid := spawnShell(t, "sleep 60")
	ch := watchPid(t, w, pid)

	if !w.RemoveWatch(pid) {
		t.Fatal("expected RemoveWatch to report a live registration")
	}
	if w.RemoveWatch(pid) {
		t.Fatal("expected second RemoveWatch to report nothing to remove")
	}

	_ = syscall.Kill(pid, syscall.SIGKILL)
	select {
	case res := <-ch:
		t.Fatalf("callback fired after removal: %+v", res)
	case <-time.After(500 * time.Millisecond):
	}
	reapDirectly(pid)
}

func TestCompletionWatcherDeliversStatus(t *testing.T) {
	w := NewCompletion(discardLogger())
	attach(t, w)

	pid := spawnShell(t, "exit 9")
	res := awaitResult(t, watchPid(t, w, pid), 5*time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.status != 9 {
		t.Fatalf("expected exit status 9, got %v", res.status)
	}

	pid = spawnShell(t, "sleep 60")
	ch := watchPid(t, w, pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	res = awaitResult(t, ch, 5*time.Second)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.status != ExitStatus(-int(syscall.SIGKILL)) {
		t.Fatalf("expected -SIGKILL status, got %v", res.status)
	}
}

func TestCompletionWatcherDetachResolvesPending(t *testing.T) {
	w := NewCompletion(discardLogger())
	if err := w.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	pid := spawnShell(t, "sleep 60")
	ch := watchPid(t, w, pid)

	if err := w.Detach(); err != nil {
		t.Fatalf("detach: %v", err)
	}
	res := awaitResult(t, ch, 2*time.Second)
	if !errors.Is(res.err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", res.err)
	}

	// The per-pid waiter goroutine still reaps the child once it dies.
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

func TestAddWatchRequiresAttach(t *testing.T) {
	for _, w := range []Watcher{NewSafe(discardLogger()), NewFast(discardLogger()), NewCompletion(discardLogger())} {
		if err := w.AddWatch(1, func(int, ExitStatus, error) {}); !errors.Is(err, ErrNotAttached) {
			t.Fatalf("%T: expected ErrNotAttached, got %v", w, err)
		}
	}
}

func TestAttachIsExclusive(t *testing.T) {
	w := NewSafe(discardLogger())
	attach(t, w)
	if err := w.Attach(); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestNewSelectsPolicy(t *testing.T) {
	for _, policy := range []string{PolicySafe, PolicyFast, PolicyCompletion} {
		w, err := New(policy, discardLogger())
		if err != nil {
			t.Fatalf("policy %s: %v", policy, err)
		}
		if w == nil {
			t.Fatalf("policy %s: nil watcher", policy)
		}
	}
	if _, err := New("bogus", discardLogger()); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestExitStatusEncoding(t *testing.T) {
	killed := ExitStatus(-9)
	if !killed.Signaled() || killed.Signal() != 9 {
		t.Fatalf("expected signal 9 encoding, got %v", killed)
	}
	if killed.Exited() {
		t.Fatal("signal status must not report a normal exit")
	}

	code := ExitStatus(7)
	if !code.Exited() || code.Code() != 7 {
		t.Fatalf("expected exit code 7 encoding, got %v", code)
	}
	if code.Signaled() {
		t.Fatal("exit code must not report a signal")
	}
}
