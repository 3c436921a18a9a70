package counter

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Category is the perf event type an Event is opened under.
type Category uint32

const (
	Hardware Category = unix.PERF_TYPE_HARDWARE
	Software Category = unix.PERF_TYPE_SOFTWARE
	Cache    Category = unix.PERF_TYPE_HW_CACHE
)

func (c Category) String() string {
	switch c {
	case Hardware:
		return "hardware"
	case Software:
		return "software"
	case Cache:
		return "cache"
	default:
		return fmt.Sprintf("category(%d)", uint32(c))
	}
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "hardware", "hw":
		return Hardware, nil
	case "software", "sw":
		return Software, nil
	case "cache", "hw-cache":
		return Cache, nil
	}
	return 0, fmt.Errorf("unknown event category %q", s)
}

// Event is a named (category, selector) pair.
type Event struct {
	Name     string
	Category Category
	Selector uint64
}

func (e Event) String() string {
	return e.Name
}

// CacheSelector encodes a PERF_TYPE_HW_CACHE config value.
func CacheSelector(id, op, result uint64) uint64 {
	return id | op<<8 | result<<16
}

var (
	Cycles          = Event{"cycles", Hardware, unix.PERF_COUNT_HW_CPU_CYCLES}
	Instructions    = Event{"instructions", Hardware, unix.PERF_COUNT_HW_INSTRUCTIONS}
	LLCReadMisses   = Event{"llc-read-misses", Cache, CacheSelector(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)}
	DTLBReadMisses  = Event{"dtlb-read-misses", Cache, CacheSelector(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)}
	BranchMisses    = Event{"branch-misses", Hardware, unix.PERF_COUNT_HW_BRANCH_MISSES}
	CacheReferences = Event{"cache-references", Hardware, unix.PERF_COUNT_HW_CACHE_REFERENCES}
	CacheMisses     = Event{"cache-misses", Hardware, unix.PERF_COUNT_HW_CACHE_MISSES}
	Branches        = Event{"branches", Hardware, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS}
	BusCycles       = Event{"bus-cycles", Hardware, unix.PERF_COUNT_HW_BUS_CYCLES}
	RefCycles       = Event{"ref-cycles", Hardware, unix.PERF_COUNT_HW_REF_CPU_CYCLES}
	L1DReadMisses   = Event{"l1d-read-misses", Cache, CacheSelector(unix.PERF_COUNT_HW_CACHE_L1D, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)}
	ITLBReadMisses  = Event{"itlb-read-misses", Cache, CacheSelector(unix.PERF_COUNT_HW_CACHE_ITLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)}
	TaskClock       = Event{"task-clock", Software, unix.PERF_COUNT_SW_TASK_CLOCK}
	PageFaults      = Event{"page-faults", Software, unix.PERF_COUNT_SW_PAGE_FAULTS}
	ContextSwitches = Event{"context-switches", Software, unix.PERF_COUNT_SW_CONTEXT_SWITCHES}
)

var catalog = map[string]Event{}

func init() {
	for _, e := range []Event{
		Cycles, Instructions, LLCReadMisses, DTLBReadMisses, BranchMisses,
		CacheReferences, CacheMisses, Branches, BusCycles, RefCycles,
		L1DReadMisses, ITLBReadMisses, TaskClock, PageFaults, ContextSwitches,
	} {
		catalog[e.Name] = e
	}
}

// DefaultEvents returns the events measured when none are configured.
// Cycles comes first so it leads a grouped set.
func DefaultEvents() []Event {
	return []Event{Cycles, Instructions, LLCReadMisses, DTLBReadMisses, BranchMisses}
}

// LookupEvent finds a built-in event by name.
func LookupEvent(name string) (Event, bool) {
	e, ok := catalog[name]
	return e, ok
}

// EventNames lists the built-in event names in sorted order.
func EventNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseEvents resolves built-in event names, keeping their order.
func ParseEvents(names []string) ([]Event, error) {
	events := make([]Event, 0, len(names))
	for _, name := range names {
		e, ok := LookupEvent(name)
		if !ok {
			return nil, fmt.Errorf("unknown event %q", name)
		}
		events = append(events, e)
	}
	return events, nil
}
