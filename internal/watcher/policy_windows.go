//go:build windows

package watcher

import (
	"fmt"
	"log/slog"
)

// New constructs a watcher for the named policy. Windows has no SIGCHLD, so
// only the completion policy is available.
func New(policy string, log *slog.Logger) (Watcher, error) {
	switch policy {
	case PolicyCompletion:
		return NewCompletion(log), nil
	case PolicySafe, PolicyFast:
		return nil, fmt.Errorf("watcher: policy %q is not supported on windows", policy)
	default:
		return nil, fmt.Errorf("watcher: unknown policy %q", policy)
	}
}
