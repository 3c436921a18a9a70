// Package profiler measures cycles and instructions through perf-utils.
// The CLI uses it to cross-check the counter package on the same region.
package profiler

import (
	"fmt"

	"github.com/hodgesds/perf-utils"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Source labels values produced by this package.
const Source = "perf-utils"

// Result holds one window's values. Unlike the counter package, perf-utils
// does not exclude kernel mode, so the values include it.
type Result struct {
	Cycles       uint64
	Instructions uint64
	TimeEnabled  uint64
	TimeRunning  uint64
}

// Profiler wraps a perf-utils hardware profiler for the calling thread.
type Profiler struct {
	hp perf.HardwareProfiler
}

// New opens the profiler for the calling thread on any CPU.
func New() (*Profiler, error) {
	hp, err := perf.NewHardwareProfiler(0, -1, perf.CpuCyclesProfiler|perf.CpuInstrProfiler)
	if err != nil {
		if hp != nil {
			err = multierr.Append(err, hp.Close())
		}
		return nil, fmt.Errorf("failed to open perf-utils profiler: %w", err)
	}
	return &Profiler{hp: hp}, nil
}

// Start zeroes and enables the profiler.
func (p *Profiler) Start() error {
	if err := p.hp.Reset(); err != nil {
		return err
	}
	return p.hp.Start()
}

// Collect stops the profiler and reads it.
func (p *Profiler) Collect() (Result, error) {
	if err := p.hp.Stop(); err != nil {
		klog.Warning(err)
	}
	profile := &perf.HardwareProfile{}
	if err := p.hp.Profile(profile); err != nil {
		return Result{}, err
	}

	res := Result{}
	if profile.CPUCycles != nil {
		res.Cycles = *profile.CPUCycles
	}
	if profile.Instructions != nil {
		res.Instructions = *profile.Instructions
	}
	if profile.TimeEnabled != nil {
		res.TimeEnabled = *profile.TimeEnabled
	}
	if profile.TimeRunning != nil {
		res.TimeRunning = *profile.TimeRunning
	}
	klog.V(4).Infof("perf-utils window: %+v", res)
	return res, nil
}

func (p *Profiler) Close() error {
	return p.hp.Close()
}
