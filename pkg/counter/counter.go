// Package counter opens sets of hardware performance counters for the
// calling thread and reads their deltas around a region of code.
//
// A Set is created disabled. Start resets and enables it, StopAndRead
// disables it and returns one count per event in configuration order.
// Counting is bound to the OS thread that called New, so callers must pin
// their goroutine with runtime.LockOSThread before creating a Set, or use
// MeasureOnce which does it for them.
package counter

import (
	"fmt"
	"runtime"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Unavailable is the fd held by a handle that failed to open or was closed.
const Unavailable = -1

// Policy decides what happens when the kernel refuses to open a counter.
type Policy int

const (
	// DefaultPolicy is FailFast for grouped sets and Degrade otherwise.
	DefaultPolicy Policy = iota
	// FailFast aborts New on the first open failure.
	FailFast
	// Degrade marks the failed counter unavailable and keeps going.
	Degrade
)

func (p Policy) String() string {
	switch p {
	case DefaultPolicy:
		return "default"
	case FailFast:
		return "fail-fast"
	case Degrade:
		return "degrade"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy is the inverse of Policy.String. The empty string is DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "default":
		return DefaultPolicy, nil
	case "fail-fast", "failfast":
		return FailFast, nil
	case "degrade":
		return Degrade, nil
	}
	return DefaultPolicy, fmt.Errorf("unknown policy %q", s)
}

// Options configures a Set.
type Options struct {
	// Events are opened in order. Empty means DefaultEvents.
	Events []Event
	// Grouped makes the first event the leader of a counter group.
	Grouped bool
	Policy  Policy
}

func (o Options) policy() Policy {
	if o.Policy != DefaultPolicy {
		return o.Policy
	}
	if o.Grouped {
		return FailFast
	}
	return Degrade
}

// Handle is one open counter, or the sentinel when the kernel refused it.
type Handle struct {
	Event   Event
	fd      int
	enabled bool
}

// Available reports whether h holds an open counter.
func (h *Handle) Available() bool {
	return h.fd != Unavailable
}

// Enabled reports whether h is between Start and StopAndRead.
func (h *Handle) Enabled() bool {
	return h.enabled
}

// Count is the value read for one event.
type Count struct {
	Event     string
	Value     uint64
	Available bool
	// Err is the read failure, if any. Value is zero when set.
	Err error
}

// Counts holds one Count per event, in configuration order.
type Counts []Count

// Get returns the count for the named event.
func (c Counts) Get(name string) (Count, bool) {
	for _, count := range c {
		if count.Event == name {
			return count, true
		}
	}
	return Count{}, false
}

// Value returns the named event's value, or zero if it is absent.
func (c Counts) Value(name string) uint64 {
	count, _ := c.Get(name)
	return count.Value
}

// IPC returns instructions per cycle when both were read successfully.
func (c Counts) IPC() (float64, bool) {
	cycles, okc := c.Get(Cycles.Name)
	instructions, oki := c.Get(Instructions.Name)
	if !okc || !oki || !cycles.Available || !instructions.Available ||
		cycles.Err != nil || instructions.Err != nil || cycles.Value == 0 {
		return 0, false
	}
	return float64(instructions.Value) / float64(cycles.Value), true
}

func (c Counts) Map() map[string]uint64 {
	m := make(map[string]uint64, len(c))
	for _, count := range c {
		m[count.Event] = count.Value
	}
	return m
}

// Set owns the handles opened for one list of events.
type Set struct {
	handles []*Handle
	leader  *Handle
	policy  Policy
	dev     device
}

// New opens one counter per event for the calling thread.
//
// In a grouped set a failure to open the leader is always returned as an
// error. Any other failure is returned under FailFast and turned into an
// unavailable handle under Degrade. On error nothing is left open.
func New(opts Options) (*Set, error) {
	return newSet(opts, perfDevice{})
}

// MustNew is New for callers that cannot run without their counters. It
// terminates the process on failure.
func MustNew(opts Options) *Set {
	s, err := New(opts)
	if err != nil {
		klog.Fatalf("failed to initialize counters: %v", err)
	}
	return s
}

func newSet(opts Options, dev device) (*Set, error) {
	events := opts.Events
	if len(events) == 0 {
		events = DefaultEvents()
	}
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e.Name == "" {
			return nil, fmt.Errorf("event with selector %#x has no name", e.Selector)
		}
		if _, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("duplicate event %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	s := &Set{
		handles: make([]*Handle, 0, len(events)),
		policy:  opts.policy(),
		dev:     dev,
	}
	for i, e := range events {
		h := &Handle{Event: e, fd: Unavailable}
		s.handles = append(s.handles, h)

		group := -1
		if opts.Grouped && i > 0 {
			group = s.leader.fd
		}
		fd, err := dev.open(attrFor(e), group)
		if err != nil {
			err = fmt.Errorf("failed to open %s counter: %w", e.Name, err)
			if s.policy == FailFast || (opts.Grouped && i == 0) {
				if cerr := s.Close(); cerr != nil {
					klog.Error(cerr)
				}
				return nil, err
			}
			klog.Warningf("%v, reporting zero for it", err)
			continue
		}
		h.fd = fd
		if opts.Grouped && i == 0 {
			s.leader = h
		}
		klog.V(4).Infof("opened %s counter (%s, selector %#x) fd %d", e.Name, e.Category, e.Selector, fd)
	}
	return s, nil
}

// Start zeroes and enables the counters. Unavailable handles are skipped.
// If any handle fails to start, the ones already enabled are disabled again
// before the error is returned.
func (s *Set) Start() error {
	if s.leader != nil {
		if !s.leader.Available() {
			return nil
		}
		if err := s.control(s.leader, unix.PERF_EVENT_IOC_RESET, iocFlagGroup); err != nil {
			return err
		}
		if err := s.control(s.leader, unix.PERF_EVENT_IOC_ENABLE, iocFlagGroup); err != nil {
			return err
		}
		s.markEnabled(true)
		return nil
	}

	var errs error
	for _, h := range s.handles {
		if !h.Available() {
			continue
		}
		if err := s.control(h, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := s.control(h, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		h.enabled = true
	}
	if errs != nil {
		s.stop()
	}
	return errs
}

// StopAndRead disables the counters and then reads them, so the values are
// a stable snapshot. A counter that is unavailable or fails to read reports
// zero.
func (s *Set) StopAndRead() Counts {
	s.stop()

	counts := make(Counts, len(s.handles))
	for i, h := range s.handles {
		c := Count{Event: h.Event.Name, Available: h.Available()}
		if c.Available {
			v, err := s.dev.read(h.fd)
			if err != nil {
				klog.Errorf("failed to read %s counter: %v", h.Event.Name, err)
				c.Err = err
			} else {
				c.Value = v
			}
		}
		counts[i] = c
	}
	return counts
}

func (s *Set) stop() {
	if s.leader != nil {
		if s.leader.Available() {
			if err := s.control(s.leader, unix.PERF_EVENT_IOC_DISABLE, iocFlagGroup); err != nil {
				klog.Warning(err)
			}
		}
		s.markEnabled(false)
		return
	}
	for _, h := range s.handles {
		if !h.Available() {
			continue
		}
		if err := s.control(h, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			klog.Warning(err)
		}
		h.enabled = false
	}
}

// Measure runs fn between Start and StopAndRead. It must be called on the
// thread that created s.
func (s *Set) Measure(fn func()) (Counts, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	fn()
	return s.StopAndRead(), nil
}

// MeasureOnce pins the goroutine to its thread, opens a Set, measures fn
// and closes the Set again.
func MeasureOnce(opts Options, fn func()) (Counts, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	counts, err := s.Measure(fn)
	return counts, multierr.Append(err, s.Close())
}

// Close releases every open counter. Members are closed before the leader.
// Closed handles become unavailable, so closing twice is harmless.
func (s *Set) Close() error {
	var errs error
	for i := len(s.handles) - 1; i >= 0; i-- {
		h := s.handles[i]
		if !h.Available() {
			continue
		}
		if err := s.dev.close(h.fd); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close %s counter: %w", h.Event.Name, err))
		}
		h.fd = Unavailable
		h.enabled = false
	}
	return errs
}

func (s *Set) control(h *Handle, req uint, arg int) error {
	if err := s.dev.ioctl(h.fd, req, arg); err != nil {
		return fmt.Errorf("ioctl %#x on %s counter: %w", req, h.Event.Name, err)
	}
	return nil
}

func (s *Set) markEnabled(enabled bool) {
	for _, h := range s.handles {
		h.enabled = enabled && h.Available()
	}
}

// Handles returns the set's handles in configuration order.
func (s *Set) Handles() []*Handle {
	return s.handles
}

// Events returns the configured events in order.
func (s *Set) Events() []Event {
	events := make([]Event, len(s.handles))
	for i, h := range s.handles {
		events[i] = h.Event
	}
	return events
}

// Available returns how many handles are open.
func (s *Set) Available() int {
	n := 0
	for _, h := range s.handles {
		if h.Available() {
			n++
		}
	}
	return n
}

func (s *Set) Grouped() bool {
	return s.leader != nil
}

func (s *Set) Policy() Policy {
	return s.policy
}
