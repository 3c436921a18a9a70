package counter

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// iocFlagGroup makes a control ioctl on the leader apply to every group member.
const iocFlagGroup = 1

// device is the kernel side of a counter handle.
type device interface {
	open(attr *unix.PerfEventAttr, group int) (int, error)
	ioctl(fd int, req uint, arg int) error
	read(fd int) (uint64, error)
	close(fd int) error
}

// perfDevice issues the real perf_event_open, ioctl and read calls.
type perfDevice struct{}

func (perfDevice) open(attr *unix.PerfEventAttr, group int) (int, error) {
	// pid 0 and cpu -1: the calling thread, on whichever CPU it runs.
	return unix.PerfEventOpen(attr, 0, -1, group, unix.PERF_FLAG_FD_CLOEXEC)
}

func (perfDevice) ioctl(fd int, req uint, arg int) error {
	return unix.IoctlSetInt(fd, req, arg)
}

func (perfDevice) read(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read: got %d bytes", n)
	}
	return *(*uint64)(unsafe.Pointer(&buf[0])), nil
}

func (perfDevice) close(fd int) error {
	return unix.Close(fd)
}

// attrFor builds the perf_event_attr for e. Counters open disabled, and
// kernel and hypervisor contributions are always excluded. Group members
// are enabled together with their leader through iocFlagGroup.
func attrFor(e Event) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:   uint32(e.Category),
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: e.Selector,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
}
