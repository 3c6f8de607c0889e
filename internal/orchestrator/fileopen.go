package orchestrator

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// fileIsOpen reports whether any process on the system currently has path
// open, scanning every process's open file table rather than tracking
// writers explicitly.
func fileIsOpen(path string) (bool, error) {
	pids, err := process.Pids()
	if err != nil {
		return false, fmt.Errorf("orchestrator: listing processes: %w", err)
	}
	for _, pid := range pids {
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path == path {
				return true, nil
			}
		}
	}
	return false, nil
}
