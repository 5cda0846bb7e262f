//go:build linux

package coordinator

import "syscall"

// sysProcAttr asks the kernel to terminate a worker when the coordinator dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
