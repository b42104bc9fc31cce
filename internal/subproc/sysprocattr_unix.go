//go:build !windows

package subproc

import "syscall"

func sysProcAttr(newSession bool) *syscall.SysProcAttr {
	if !newSession {
		return nil
	}
	return &syscall.SysProcAttr{Setsid: true}
}
