//go:build !windows

package watcher

import (
	"fmt"
	"log/slog"
)

// New constructs a watcher for the named policy.
func New(policy string, log *slog.Logger) (Watcher, error) {
	switch policy {
	case PolicySafe:
		return NewSafe(log), nil
	case PolicyFast:
		return NewFast(log), nil
	case PolicyCompletion:
		return NewCompletion(log), nil
	default:
		return nil, fmt.Errorf("watcher: unknown policy %q", policy)
	}
}
