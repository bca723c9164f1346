//go:build !windows

package mcp

import "syscall"

// detachedProcAttr puts the daemon in its own session so it survives the
// bridge exiting and never receives the bridge's terminal signals.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
