package counter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOptionsPolicy(t *testing.T) {
	assert.Equal(t, FailFast, Options{Grouped: true}.policy())
	assert.Equal(t, Degrade, Options{}.policy())
	assert.Equal(t, Degrade, Options{Grouped: true, Policy: Degrade}.policy())
	assert.Equal(t, FailFast, Options{Policy: FailFast}.policy())
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":          DefaultPolicy,
		"default":   DefaultPolicy,
		"fail-fast": FailFast,
		"failfast":  FailFast,
		"degrade":   Degrade,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("retry")
	assert.Error(t, err)
	assert.Equal(t, "fail-fast", FailFast.String())
}

func TestNewGroupedAttrs(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Grouped())
	assert.Equal(t, FailFast, s.Policy())
	assert.Equal(t, DefaultEvents(), s.Events())
	assert.Equal(t, len(DefaultEvents()), s.Available())

	require.Len(t, dev.opened, len(DefaultEvents()))
	for i, attr := range dev.opened {
		assert.NotZero(t, attr.Bits&unix.PerfBitExcludeKernel, "exclude kernel")
		assert.NotZero(t, attr.Bits&unix.PerfBitExcludeHv, "exclude hv")
		assert.NotZero(t, attr.Bits&unix.PerfBitDisabled, "event %d opens disabled", i)
	}
	leader := s.Handles()[0].fd
	for _, h := range s.Handles()[1:] {
		assert.Equal(t, leader, dev.counters[h.fd].group)
	}
}

func TestNewIndependentAttrs(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Events: []Event{Cycles, Instructions}}, dev)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Grouped())
	assert.Equal(t, Degrade, s.Policy())
	for _, attr := range dev.opened {
		assert.NotZero(t, attr.Bits&unix.PerfBitDisabled)
	}
	for _, h := range s.Handles() {
		assert.Equal(t, -1, dev.counters[h.fd].group)
	}
}

func TestNewRejectsBadEvents(t *testing.T) {
	dev := newFakeDevice()
	_, err := newSet(Options{Events: []Event{Cycles, Cycles}}, dev)
	assert.ErrorContains(t, err, "duplicate")

	_, err = newSet(Options{Events: []Event{{Category: Hardware}}}, dev)
	assert.ErrorContains(t, err, "no name")
	assert.Empty(t, dev.opened)
}

func TestReadWithoutStartIsZero(t *testing.T) {
	for _, grouped := range []bool{true, false} {
		dev := newFakeDevice()
		s, err := newSet(Options{Grouped: grouped}, dev)
		require.NoError(t, err)

		dev.run(1000)
		for _, c := range s.StopAndRead() {
			assert.True(t, c.Available)
			assert.Zero(t, c.Value, c.Event)
		}
		require.NoError(t, s.Close())
	}
}

func TestStartResetsEachWindow(t *testing.T) {
	for _, grouped := range []bool{true, false} {
		dev := newFakeDevice()
		s, err := newSet(Options{Grouped: grouped}, dev)
		require.NoError(t, err)

		for round := 0; round < 3; round++ {
			require.NoError(t, s.Start())
			for _, h := range s.Handles() {
				assert.True(t, h.Enabled())
			}
			dev.run(50)
			counts := s.StopAndRead()
			for _, c := range counts {
				assert.Equal(t, uint64(50), c.Value, "grouped=%v round=%d %s", grouped, round, c.Event)
			}
			for _, h := range s.Handles() {
				assert.False(t, h.Enabled())
			}
		}
		require.NoError(t, s.Close())
	}
}

func TestStopTwiceDoesNotAccumulate(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start())
	dev.run(10)
	first := s.StopAndRead()
	dev.run(10)
	second := s.StopAndRead()
	assert.Equal(t, first, second)
}

func TestGroupedControlGoesThroughLeader(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start())
	s.StopAndRead()

	leader := s.Handles()[0].fd
	assert.Equal(t, []fakeIoctl{
		{leader, unix.PERF_EVENT_IOC_RESET, iocFlagGroup},
		{leader, unix.PERF_EVENT_IOC_ENABLE, iocFlagGroup},
		{leader, unix.PERF_EVENT_IOC_DISABLE, iocFlagGroup},
	}, dev.ioctls)
}

func TestIndependentControlEachHandle(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Events: []Event{Cycles, Instructions}}, dev)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start())
	s.StopAndRead()

	a, b := s.Handles()[0].fd, s.Handles()[1].fd
	assert.Equal(t, []fakeIoctl{
		{a, unix.PERF_EVENT_IOC_RESET, 0},
		{a, unix.PERF_EVENT_IOC_ENABLE, 0},
		{b, unix.PERF_EVENT_IOC_RESET, 0},
		{b, unix.PERF_EVENT_IOC_ENABLE, 0},
		{a, unix.PERF_EVENT_IOC_DISABLE, 0},
		{b, unix.PERF_EVENT_IOC_DISABLE, 0},
	}, dev.ioctls)
}

func TestGroupedLeaderFailureIsFatal(t *testing.T) {
	for _, policy := range []Policy{FailFast, Degrade} {
		dev := newFakeDevice()
		dev.failOpen[Cycles.Name] = unix.EACCES
		_, err := newSet(Options{Grouped: true, Policy: policy}, dev)
		require.Error(t, err, policy.String())
		assert.ErrorIs(t, err, unix.EACCES)
		assert.Len(t, dev.opened, 1)
	}
}

func TestFailFastClosesOpenedHandles(t *testing.T) {
	for _, grouped := range []bool{true, false} {
		dev := newFakeDevice()
		dev.failOpen[DTLBReadMisses.Name] = unix.ENOENT
		_, err := newSet(Options{Grouped: grouped, Policy: FailFast}, dev)
		require.Error(t, err)
		assert.Contains(t, err.Error(), DTLBReadMisses.Name)
		assert.Zero(t, dev.openFds())
	}
}

func TestDegradeKeepsOtherCounters(t *testing.T) {
	for _, grouped := range []bool{true, false} {
		dev := newFakeDevice()
		dev.failOpen[LLCReadMisses.Name] = unix.ENOENT
		s, err := newSet(Options{Grouped: grouped, Policy: Degrade}, dev)
		require.NoError(t, err)
		assert.Equal(t, len(DefaultEvents())-1, s.Available())

		require.NoError(t, s.Start())
		dev.run(42)
		counts := s.StopAndRead()
		require.Len(t, counts, len(DefaultEvents()))
		for _, c := range counts {
			if c.Event == LLCReadMisses.Name {
				assert.False(t, c.Available)
				assert.Zero(t, c.Value)
				continue
			}
			assert.True(t, c.Available)
			assert.Equal(t, uint64(42), c.Value, c.Event)
		}
		require.NoError(t, s.Close())
		assert.Zero(t, dev.openFds())
	}
}

func TestReadFailureReportsZero(t *testing.T) {
	dev := newFakeDevice()
	readErr := errors.New("boom")
	dev.failRead[Instructions.Name] = readErr
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start())
	dev.run(5)
	counts := s.StopAndRead()

	c, ok := counts.Get(Instructions.Name)
	require.True(t, ok)
	assert.True(t, c.Available)
	assert.Zero(t, c.Value)
	assert.ErrorIs(t, c.Err, readErr)
	assert.Equal(t, uint64(5), counts.Value(Cycles.Name))
}

func TestStartReturnsIoctlError(t *testing.T) {
	for _, grouped := range []bool{true, false} {
		dev := newFakeDevice()
		s, err := newSet(Options{Grouped: grouped}, dev)
		require.NoError(t, err)

		dev.failIoctl = unix.EINVAL
		err = s.Start()
		require.Error(t, err)
		assert.ErrorIs(t, err, unix.EINVAL)
		for _, h := range s.Handles() {
			assert.False(t, h.Enabled())
		}
		require.NoError(t, s.Close())
	}
}

func TestStartFailureDisablesStartedHandles(t *testing.T) {
	dev := newFakeDevice()
	dev.failEnable[Instructions.Name] = unix.EINVAL
	s, err := newSet(Options{Events: []Event{Cycles, Instructions}}, dev)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Measure(func() { dev.run(10) })
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EINVAL)

	for _, h := range s.Handles() {
		assert.False(t, h.Enabled(), h.Event.Name)
		assert.True(t, dev.counters[h.fd].disabled, h.Event.Name)
	}
	// nothing counts outside a window
	dev.run(10)
	for _, c := range s.StopAndRead() {
		assert.Zero(t, c.Value, c.Event)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Zero(t, dev.openFds())
	assert.Zero(t, s.Available())

	// a closed set behaves like one whose counters are all unavailable
	require.NoError(t, s.Close())
	require.NoError(t, s.Start())
	for _, c := range s.StopAndRead() {
		assert.False(t, c.Available)
		assert.Zero(t, c.Value)
	}
}

func TestCloseReportsErrors(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Events: []Event{Cycles, Instructions}}, dev)
	require.NoError(t, err)

	// close one fd behind the set's back
	require.NoError(t, dev.close(s.Handles()[1].fd))
	err = s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EBADF)
	assert.Zero(t, s.Available())
}

func TestRepeatedOpenCloseDoesNotLeak(t *testing.T) {
	dev := newFakeDevice()
	for i := 0; i < 100; i++ {
		s, err := newSet(Options{Grouped: i%2 == 0}, dev)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	assert.Zero(t, dev.openFds())
}

func TestMeasure(t *testing.T) {
	dev := newFakeDevice()
	s, err := newSet(Options{Grouped: true}, dev)
	require.NoError(t, err)
	defer s.Close()

	counts, err := s.Measure(func() { dev.run(7) })
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{
		"cycles":           7,
		"instructions":     7,
		"llc-read-misses":  7,
		"dtlb-read-misses": 7,
		"branch-misses":    7,
	}, counts.Map())
}

func TestCountsIPC(t *testing.T) {
	ipc, ok := Counts{
		{Event: "cycles", Value: 4, Available: true},
		{Event: "instructions", Value: 10, Available: true},
	}.IPC()
	assert.True(t, ok)
	assert.Equal(t, 2.5, ipc)

	for name, counts := range map[string]Counts{
		"instructions unavailable": {
			{Event: "cycles", Value: 4, Available: true},
			{Event: "instructions"},
		},
		"read failure": {
			{Event: "cycles", Value: 4, Available: true},
			{Event: "instructions", Available: true, Err: errors.New("EBADF")},
		},
		"zero cycles": {
			{Event: "cycles", Available: true},
			{Event: "instructions", Value: 10, Available: true},
		},
		"no instructions": {{Event: "cycles", Value: 4, Available: true}},
	} {
		_, ok := counts.IPC()
		assert.False(t, ok, name)
	}
}

func TestCountsLookup(t *testing.T) {
	counts := Counts{
		{Event: "cycles", Value: 10, Available: true},
		{Event: "instructions", Value: 20, Available: true},
	}
	c, ok := counts.Get("instructions")
	assert.True(t, ok)
	assert.Equal(t, uint64(20), c.Value)

	_, ok = counts.Get("branch-misses")
	assert.False(t, ok)
	assert.Zero(t, counts.Value("branch-misses"))
}
