package utils

import (
	"fmt"

	"github.com/prometheus/procfs"
)

const paranoidSysctl = "kernel.perf_event_paranoid"

// PerfParanoid reads kernel.perf_event_paranoid from the proc filesystem
// mounted at procRoot.
func PerfParanoid(procRoot string) (int, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return 0, err
	}
	vals, err := fs.SysctlInts(paranoidSysctl)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", paranoidSysctl, err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("unexpected %s value %v", paranoidSysctl, vals)
	}
	return vals[0], nil
}

// PerfSupported reports whether the kernel has perf_event_open at all. The
// paranoid sysctl exists exactly when it does.
func PerfSupported(procRoot string) bool {
	_, err := PerfParanoid(procRoot)
	return err == nil
}

// DescribeParanoid explains what an unprivileged process may count at the
// given paranoid level.
func DescribeParanoid(level int) string {
	switch {
	case level <= -1:
		return "no restrictions"
	case level == 0:
		return "user and kernel counting, no raw tracepoints"
	case level == 1:
		return "user and kernel counting"
	case level == 2:
		return "user-space counting only"
	default:
		return "perf_event_open restricted to privileged processes"
	}
}
