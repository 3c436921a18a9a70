package counter

import (
	"golang.org/x/sys/unix"
)

type fakeCounter struct {
	event    Event
	group    int
	disabled bool
	value    uint64
	closed   bool
}

// fakeDevice mimics the kernel's counter group semantics closely enough
// to check the Set state machine without hardware.
type fakeDevice struct {
	next       int
	counters   map[int]*fakeCounter
	failOpen   map[string]error
	failRead   map[string]error
	failIoctl  error
	failEnable map[string]error
	ioctls     []fakeIoctl
	opened     []*unix.PerfEventAttr
}

type fakeIoctl struct {
	fd  int
	req uint
	arg int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		next:       3,
		counters:   map[int]*fakeCounter{},
		failOpen:   map[string]error{},
		failRead:   map[string]error{},
		failEnable: map[string]error{},
	}
}

func (d *fakeDevice) eventFor(attr *unix.PerfEventAttr) Event {
	for _, name := range EventNames() {
		e, _ := LookupEvent(name)
		if uint32(e.Category) == attr.Type && e.Selector == attr.Config {
			return e
		}
	}
	return Event{Name: "custom", Category: Category(attr.Type), Selector: attr.Config}
}

func (d *fakeDevice) open(attr *unix.PerfEventAttr, group int) (int, error) {
	d.opened = append(d.opened, attr)
	e := d.eventFor(attr)
	if err, ok := d.failOpen[e.Name]; ok {
		return -1, err
	}
	if group != -1 {
		if c, ok := d.counters[group]; !ok || c.closed {
			return -1, unix.EBADF
		}
	}
	fd := d.next
	d.next++
	d.counters[fd] = &fakeCounter{
		event:    e,
		group:    group,
		disabled: attr.Bits&unix.PerfBitDisabled != 0,
	}
	return fd, nil
}

// targets returns fd plus its members when arg carries the group flag.
func (d *fakeDevice) targets(fd int, arg int) []*fakeCounter {
	var out []*fakeCounter
	for cfd, c := range d.counters {
		if cfd == fd || (arg&iocFlagGroup != 0 && c.group == fd) {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDevice) ioctl(fd int, req uint, arg int) error {
	d.ioctls = append(d.ioctls, fakeIoctl{fd, req, arg})
	if d.failIoctl != nil {
		return d.failIoctl
	}
	c, ok := d.counters[fd]
	if !ok || c.closed {
		return unix.EBADF
	}
	if err, ok := d.failEnable[c.event.Name]; ok && req == unix.PERF_EVENT_IOC_ENABLE {
		return err
	}
	for _, t := range d.targets(fd, arg) {
		switch req {
		case unix.PERF_EVENT_IOC_RESET:
			t.value = 0
		case unix.PERF_EVENT_IOC_ENABLE:
			t.disabled = false
		case unix.PERF_EVENT_IOC_DISABLE:
			t.disabled = true
		}
	}
	return nil
}

func (d *fakeDevice) read(fd int) (uint64, error) {
	c, ok := d.counters[fd]
	if !ok || c.closed {
		return 0, unix.EBADF
	}
	if err, ok := d.failRead[c.event.Name]; ok {
		return 0, err
	}
	return c.value, nil
}

func (d *fakeDevice) close(fd int) error {
	c, ok := d.counters[fd]
	if !ok || c.closed {
		return unix.EBADF
	}
	c.closed = true
	return nil
}

func (d *fakeDevice) counting(c *fakeCounter) bool {
	if c.closed || c.disabled {
		return false
	}
	if c.group == -1 {
		return true
	}
	leader := d.counters[c.group]
	return !leader.closed && !leader.disabled
}

// run simulates a workload that adds n to every counting counter.
func (d *fakeDevice) run(n uint64) {
	for _, c := range d.counters {
		if d.counting(c) {
			c.value += n
		}
	}
}

func (d *fakeDevice) openFds() int {
	n := 0
	for _, c := range d.counters {
		if !c.closed {
			n++
		}
	}
	return n
}
