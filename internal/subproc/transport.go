package subproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/tannerhall/childminder/internal/metrics"
	"github.com/tannerhall/childminder/internal/pipe"
	"github.com/tannerhall/childminder/internal/watcher"
)

// Transport owns a spawned process handle, its piped endpoints and the exit
// status slot that the watcher resolves.
type Transport struct {
	pid  int
	proc *os.Process
	w    watcher.Watcher

	stdin  *pipe.Endpoint
	stdout *pipe.Endpoint
	stderr *pipe.Endpoint

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	status    watcher.ExitStatus
	statusSet bool
	waitErr   error
}

// Spawn creates a new process per spec and registers it with w. The watcher
// must already be attached.
func Spawn(ctx context.Context, w watcher.Watcher, spec Spec) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := spec.Argv
	if spec.Shell != "" {
		if len(argv) > 0 {
			return nil, errors.New("subproc: Argv and Shell are mutually exclusive")
		}
		argv = shellArgv(spec.Shell)
	}
	if len(argv) == 0 {
		return nil, errors.New("subproc: spec carries no command")
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		metrics.IncSpawnFailure()
		return nil, &SpawnError{Path: argv[0], Err: err}
	}

	var (
		files      [3]*os.File
		childOwned []*os.File
		endpoints  []*pipe.Endpoint
		stdinEp    *pipe.Endpoint
		stdoutEp   *pipe.Endpoint
		stderrEp   *pipe.Endpoint
	)
	cleanup := func() {
		for _, f := range childOwned {
			f.Close()
		}
		for _, ep := range endpoints {
			ep.Close()
		}
	}

	switch spec.Stdin {
	case Pipe:
		r, wr, perr := os.Pipe()
		if perr != nil {
			cleanup()
			return nil, fmt.Errorf("subproc: stdin pipe: %w", perr)
		}
		files[0] = r
		childOwned = append(childOwned, r)
		stdinEp = pipe.NewSink(wr, spec.HighWatermark, spec.LowWatermark)
		endpoints = append(endpoints, stdinEp)
	case Inherit:
		files[0] = os.Stdin
	case Discard:
		null, derr := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if derr != nil {
			cleanup()
			return nil, fmt.Errorf("subproc: open null device: %w", derr)
		}
		files[0] = null
		childOwned = append(childOwned, null)
	}

	openSource := func(mode StdioMode, inherit *os.File) (*os.File, *pipe.Endpoint, error) {
		switch mode {
		case Pipe:
			r, wr, perr := os.Pipe()
			if perr != nil {
				return nil, nil, perr
			}
			childOwned = append(childOwned, wr)
			ep := pipe.NewSource(r, spec.HighWatermark, spec.LowWatermark)
			endpoints = append(endpoints, ep)
			return wr, ep, nil
		case Discard:
			null, derr := os.OpenFile(os.DevNull, os.O_RDWR, 0)
			if derr != nil {
				return nil, nil, derr
			}
			childOwned = append(childOwned, null)
			return null, nil, nil
		default:
			return inherit, nil, nil
		}
	}

	files[1], stdoutEp, err = openSource(spec.Stdout, os.Stdout)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("subproc: stdout pipe: %w", err)
	}
	files[2], stderrEp, err = openSource(spec.Stderr, os.Stderr)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("subproc: stderr pipe: %w", err)
	}

	env := spec.Env
	if env == nil {
		env = os.Environ()
	}

	attr := &os.ProcAttr{
		Dir:   spec.Dir,
		Env:   env,
		Files: append(files[:], spec.ExtraFiles...),
		Sys:   sysProcAttr(spec.NewSession),
	}

	proc, err := os.StartProcess(path, argv, attr)
	for _, f := range childOwned {
		f.Close()
	}
	if err != nil {
		for _, ep := range endpoints {
			ep.Close()
		}
		metrics.IncSpawnFailure()
		return nil, &SpawnError{Path: path, Err: err}
	}

	t := &Transport{
		pid:    proc.Pid,
		proc:   proc,
		w:      w,
		stdin:  stdinEp,
		stdout: stdoutEp,
		stderr: stderrEp,
		done:   make(chan struct{}),
	}

	if err := w.AddWatch(proc.Pid, t.onExit); err != nil {
		// Without a registration the exit would never be observed; do not
		// hand out a transport that cannot resolve. Reap here since no
		// watcher will.
		_ = proc.Kill()
		_, _ = proc.Wait()
		for _, ep := range endpoints {
			ep.Close()
		}
		return nil, fmt.Errorf("subproc: watch pid %d: %w", proc.Pid, err)
	}

	metrics.IncSpawn()
	metrics.AddWatched(1)
	return t, nil
}

// Pid returns the OS-assigned process id. Pids are reused after reaping and
// must not serve as long-lived keys once the process has exited.
func (t *Transport) Pid() int { return t.pid }

// OSProcess exposes the raw process handle for diagnostics.
func (t *Transport) OSProcess() *os.Process { return t.proc }

// Stdin returns the stdin sink, or nil when the stream was not piped.
func (t *Transport) Stdin() *pipe.Endpoint { return t.stdin }

// Stdout returns the stdout source, or nil when the stream was not piped.
func (t *Transport) Stdout() *pipe.Endpoint { return t.stdout }

// Stderr returns the stderr source, or nil when the stream was not piped.
func (t *Transport) Stderr() *pipe.Endpoint { return t.stderr }

// onExit is the watcher callback; it fills the status slot exactly once and
// releases every waiter.
func (t *Transport) onExit(pid int, status watcher.ExitStatus, err error) {
	t.mu.Lock()
	if err != nil {
		t.waitErr = err
	} else {
		t.status = status
		t.statusSet = true
	}
	t.mu.Unlock()
	t.once.Do(func() { close(t.done) })
	if err == nil {
		metrics.RecordExit(int(status))
	}
	metrics.AddWatched(-1)
}

// ReturnCode reports the exit status and whether it is known yet.
func (t *Transport) ReturnCode() (watcher.ExitStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.statusSet
}

// Wait suspends until the exit status is known. Any number of concurrent
// callers resolve once it is; calls after termination return immediately
// from the cached slot.
func (t *Transport) Wait(ctx context.Context) (watcher.ExitStatus, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waitErr != nil {
		return 0, t.waitErr
	}
	return t.status, nil
}

// Communicate feeds input to stdin while draining stdout and stderr to
// completion, then waits for the process to exit. The three stream
// operations run concurrently so a child that fills one pipe before
// consuming another cannot deadlock the exchange.
func (t *Transport) Communicate(ctx context.Context, input []byte) (stdout, stderr []byte, err error) {
	if len(input) > 0 && t.stdin == nil {
		return nil, nil, errors.New("subproc: input given but stdin is not piped")
	}
	var (
		wg                 sync.WaitGroup
		feedErr            error
		stdoutErr, errsErr error
	)
	if t.stdin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feedErr = t.feedStdin(ctx, input)
		}()
	}
	if t.stdout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stdout, stdoutErr = t.stdout.ReadAll(ctx)
		}()
	}
	if t.stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stderr, errsErr = t.stderr.ReadAll(ctx)
		}()
	}
	wg.Wait()

	if _, werr := t.Wait(ctx); werr != nil {
		return stdout, stderr, werr
	}
	for _, serr := range []error{feedErr, stdoutErr, errsErr} {
		if serr != nil {
			return stdout, stderr, serr
		}
	}
	return stdout, stderr, nil
}

// feedStdin writes input, waits out backpressure and closes the sink so the
// child sees end of input. A peer that stops reading early is not an error
// here; the exit status tells that story.
func (t *Transport) feedStdin(ctx context.Context, input []byte) error {
	defer t.stdin.Close()
	if len(input) == 0 {
		return nil
	}
	if _, err := t.stdin.Write(input); err != nil {
		if isBrokenPipe(err) {
			return nil
		}
		return err
	}
	if err := t.stdin.Drain(ctx); err != nil {
		if isBrokenPipe(err) {
			return nil
		}
		return err
	}
	return nil
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, pipe.ErrClosed)
}

// Release abandons the transport: the watcher registration is removed so a
// later termination does not resolve into a discarded callback, pending
// waiters are released with ErrReleased and the endpoints are closed.
func (t *Transport) Release() {
	if t.w.RemoveWatch(t.pid) {
		t.mu.Lock()
		if !t.statusSet && t.waitErr == nil {
			t.waitErr = ErrReleased
		}
		t.mu.Unlock()
		t.once.Do(func() { close(t.done) })
		metrics.AddWatched(-1)
	}
	t.closeEndpoints()
}

func (t *Transport) closeEndpoints() {
	for _, ep := range []*pipe.Endpoint{t.stdin, t.stdout, t.stderr} {
		if ep != nil {
			ep.Close()
		}
	}
}

// exited reports whether the status slot is already resolved.
func (t *Transport) exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusSet || t.waitErr != nil
}
