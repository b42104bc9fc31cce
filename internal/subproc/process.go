package subproc

import (
	"context"
	"os"

	"github.com/tannerhall/childminder/internal/pipe"
	"github.com/tannerhall/childminder/internal/watcher"
)

// Process is the caller-facing handle for a spawned child: a thin
// composition over the transport with the operations callers reach for.
type Process struct {
	tr *Transport
}

// Start spawns a process per spec under the given watcher and returns its
// handle.
func Start(ctx context.Context, w watcher.Watcher, spec Spec) (*Process, error) {
	tr, err := Spawn(ctx, w, spec)
	if err != nil {
		return nil, err
	}
	return &Process{tr: tr}, nil
}

// Run spawns a process per spec and waits for it to terminate.
func Run(ctx context.Context, w watcher.Watcher, spec Spec) (ExitStatus, error) {
	p, err := Start(ctx, w, spec)
	if err != nil {
		return 0, err
	}
	return p.Wait(ctx)
}

// Pid returns the OS-assigned process id.
func (p *Process) Pid() int { return p.tr.Pid() }

// ReturnCode reports the exit status and whether the process has terminated.
func (p *Process) ReturnCode() (ExitStatus, bool) { return p.tr.ReturnCode() }

// Wait suspends until the process terminates and returns its status.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) { return p.tr.Wait(ctx) }

// Communicate feeds input to stdin while collecting stdout and stderr, then
// waits for termination.
func (p *Process) Communicate(ctx context.Context, input []byte) ([]byte, []byte, error) {
	return p.tr.Communicate(ctx, input)
}

// SendSignal delivers a signal to the live process.
func (p *Process) SendSignal(sig os.Signal) error { return p.tr.SendSignal(sig) }

// Terminate asks the process to stop.
func (p *Process) Terminate() error { return p.tr.Terminate() }

// Kill stops the process forcefully.
func (p *Process) Kill() error { return p.tr.Kill() }

// Stdin returns the stdin sink, or nil when not piped.
func (p *Process) Stdin() *pipe.Endpoint { return p.tr.Stdin() }

// Stdout returns the stdout source, or nil when not piped.
func (p *Process) Stdout() *pipe.Endpoint { return p.tr.Stdout() }

// Stderr returns the stderr source, or nil when not piped.
func (p *Process) Stderr() *pipe.Endpoint { return p.tr.Stderr() }

// Transport exposes the underlying transport.
func (p *Process) Transport() *Transport { return p.tr }

// OSProcess exposes the raw OS process handle for diagnostic introspection.
func (p *Process) OSProcess() *os.Process { return p.tr.OSProcess() }

// Release abandons the process handle without waiting for termination.
func (p *Process) Release() { p.tr.Release() }
