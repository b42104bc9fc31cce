package watcher

import (
	"errors"
	"fmt"
)

// ExitStatus encodes how a process finished. Non-negative values are ordinary
// exit codes; negative values indicate termination by signal -ExitStatus.
// Callers branch on the sign, so the encoding is stable.
type ExitStatus int

// Exited reports whether the process finished with an ordinary exit code.
func (s ExitStatus) Exited() bool { return s >= 0 }

// Code returns the exit code. Only meaningful when Exited reports true.
func (s ExitStatus) Code() int { return int(s) }

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool { return s < 0 }

// Signal returns the terminating signal number. Only meaningful when Signaled
// reports true.
func (s ExitStatus) Signal() int { return -int(s) }

func (s ExitStatus) String() string {
	if s.Signaled() {
		return fmt.Sprintf("terminated by signal %d", s.Signal())
	}
	return fmt.Sprintf("exit status %d", int(s))
}

// ExitFunc receives the terminal status for a watched pid. A non-nil err means
// the watcher could not determine the status, typically because it was
// detached while the registration was still pending.
type ExitFunc func(pid int, status ExitStatus, err error)

// Watcher resolves process terminations for registered pids. Implementations
// own a dispatch goroutine between Attach and Detach; the pid table is only
// mutated with the instance lock held, never from signal-handler context.
//
// The surrounding program owns the lifecycle: Attach before the first spawn,
// Detach at shutdown. Detach resolves every still-pending registration with
// ErrDetached so no waiter is left suspended forever.
type Watcher interface {
	Attach() error
	Detach() error
	AddWatch(pid int, fn ExitFunc) error
	RemoveWatch(pid int) bool
}

// Watcher policy names accepted by New.
const (
	PolicySafe       = "safe"
	PolicyFast       = "fast"
	PolicyCompletion = "completion"
)

var (
	// ErrDetached resolves registrations that were still pending when the
	// watcher shut down.
	ErrDetached = errors.New("watcher: detached before process exit")

	// ErrNotAttached is returned when a watch is added before Attach or
	// after Detach.
	ErrNotAttached = errors.New("watcher: not attached")

	// ErrAlreadyAttached is returned by a second Attach without an
	// intervening Detach.
	ErrAlreadyAttached = errors.New("watcher: already attached")
)
