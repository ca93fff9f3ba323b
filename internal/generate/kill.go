package generate

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// killTree kills pid and every descendant, children first.
func killTree(pid int) error {
	root, err := process.NewProcess(int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	var errs []error
	killDescendants(root, &errs)
	if err := root.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

func killDescendants(p *process.Process, errs *[]error) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(child, errs)
		if err := child.Kill(); err != nil {
			log.Debug().Int32("pid", child.Pid).Err(err).Msg("kill child failed")
			*errs = append(*errs, err)
		}
	}
}
