//go:build unix

package pipeline

import "syscall"

// newSessionAttr spawns the subprocess in a new session (spec §4.8
// `start` semantics: "spawn the process in a new session"), so an abort
// can signal the whole process group rather than just the direct child.
func newSessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// signalProcessGroup sends sig to the process group led by pid.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
