//go:build windows

package proc

import "os"

// Alive checks if a process with the given PID is still running.
// On Windows, FindProcess fails for dead PIDs.
func Alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}
