//go:build windows

package proc

import (
	"encoding/csv"
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

// listProcesses enumerates the process table via tasklist. Only the image
// name is available, so signatures should match executable names here.
func listProcesses() ([]psEntry, error) {
	out, err := exec.Command("tasklist", "/fo", "csv", "/nh").Output()
	if err != nil {
		return nil, err
	}

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		return nil, err
	}

	var entries []psEntry
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		pid, err := strconv.Atoi(rec[1])
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{pid: pid, args: rec[0]})
	}
	return entries, nil
}
