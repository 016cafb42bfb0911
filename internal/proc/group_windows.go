//go:build windows

package proc

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; there are no Unix process groups.
func setProcGroup(*exec.Cmd) {}

// terminateGroup kills the process. Windows has no graceful terminate for
// console-less children, so this degrades to Kill.
func terminateGroup(pid int) { killGroup(pid) }

func killGroup(pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
	_ = p.Release()
}
