//go:build !windows

package proc

import (
	"bufio"
	"bytes"
	"os/exec"
	"strconv"
	"strings"
)

type psEntry struct {
	pid  int
	args string
}

func (e psEntry) matches(signature string) bool {
	return strings.Contains(e.args, signature)
}

// listProcesses enumerates the process table via ps, which works the same
// on Linux and macOS.
func listProcesses() ([]psEntry, error) {
	out, err := exec.Command("ps", "-axo", "pid=,args=").Output()
	if err != nil {
		return nil, err
	}

	var entries []psEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		pidStr, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{pid: pid, args: strings.TrimSpace(args)})
	}
	return entries, scanner.Err()
}
