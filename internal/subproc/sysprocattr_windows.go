//go:build windows

package subproc

import "syscall"

func sysProcAttr(newSession bool) *syscall.SysProcAttr {
	// Session semantics have no direct Windows counterpart; process
	// creation flags are left at their defaults.
	return nil
}
