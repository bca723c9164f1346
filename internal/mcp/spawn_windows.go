//go:build windows

package mcp

import "syscall"

// detachedProcAttr hides the daemon's console window.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true}
}
