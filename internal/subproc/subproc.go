// Package subproc spawns child processes without blocking the caller and
// supervises their stdio and exit status. Pipe I/O is delegated to
// watermark-buffered endpoints and exit reaping to a watcher policy; the
// transport ties the two together and the Process facade is what callers
// hold on to.
package subproc

import (
	"errors"
	"fmt"
	"os"

	"github.com/tannerhall/childminder/internal/watcher"
)

// ExitStatus re-exports the watcher encoding: non-negative exit code, or
// -signal for signal-caused termination.
type ExitStatus = watcher.ExitStatus

// StdioMode selects how one of the three standard streams is wired.
type StdioMode int

const (
	// Inherit shares the parent's descriptor with the child.
	Inherit StdioMode = iota
	// Pipe connects the stream to a buffered Endpoint.
	Pipe
	// Discard connects the stream to the null device.
	Discard
)

// Spec describes a process to spawn. Exactly one of Argv or Shell must be
// set; Shell runs the command string through the platform shell.
type Spec struct {
	Argv  []string
	Shell string

	Stdin  StdioMode
	Stdout StdioMode
	Stderr StdioMode

	// Dir overrides the working directory when non-empty.
	Dir string

	// Env replaces the environment entirely when non-nil; nil inherits the
	// parent's environment.
	Env []string

	// NewSession detaches the child into its own session.
	NewSession bool

	// ExtraFiles are passed through to the child after the standard three.
	ExtraFiles []*os.File

	// Pipe watermarks; zero values select the package defaults.
	HighWatermark int
	LowWatermark  int
}

// SpawnError reports a failed spawn attempt: executable not found,
// permission denied, resource exhaustion.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrReleased resolves waiters on a transport that was abandoned via Release
// before its process exited.
var ErrReleased = errors.New("subproc: transport released before process exit")
