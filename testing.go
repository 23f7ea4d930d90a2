package nvme

import (
	"context"
	"sort"
	"sync"
)

// MockBus is a test double for Bus backed by a flat byte slice standing
// in for guest physical memory. It tracks interrupt activity for
// assertions; DMA fails only for accesses that run past the end of that
// memory, and there is no other fault injection into the bus.
type MockBus struct {
	mu sync.RWMutex

	mem []byte

	cmbBase uint64
	cmbOK   bool

	msixEnabled bool
	irqPin      bool
	irqAsserts  int
	msixVectors []uint16
}

// NewMockBus creates a MockBus with memSize bytes of addressable guest
// memory starting at address 0.
func NewMockBus(memSize int) *MockBus {
	return &MockBus{mem: make([]byte, memSize)}
}

func (b *MockBus) DMARead(addr uint64, p []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if addr+uint64(len(p)) > uint64(len(b.mem)) {
		return NewError("DMARead", ErrCodeBusFault, "read past end of guest memory")
	}
	copy(p, b.mem[addr:addr+uint64(len(p))])
	return nil
}

func (b *MockBus) DMAWrite(addr uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr+uint64(len(p)) > uint64(len(b.mem)) {
		return NewError("DMAWrite", ErrCodeBusFault, "write past end of guest memory")
	}
	copy(b.mem[addr:addr+uint64(len(p))], p)
	return nil
}

func (b *MockBus) CMBGuestBase() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cmbBase, b.cmbOK
}

// SetCMB configures the guest-physical base address the mock presents
// for the Controller Memory Buffer BAR.
func (b *MockBus) SetCMB(base uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmbBase, b.cmbOK = base, true
}

func (b *MockBus) AssertIRQ() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqPin = true
	b.irqAsserts++
}

func (b *MockBus) DeassertIRQ() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.irqPin = false
}

func (b *MockBus) NotifyMSIX(vector uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msixVectors = append(b.msixVectors, vector)
}

func (b *MockBus) MSIXEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.msixEnabled
}

// SetMSIXEnabled switches the mock between pin-IRQ and MSI-X signalling.
func (b *MockBus) SetMSIXEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msixEnabled = enabled
}

// IRQPinAsserted reports the current state of the legacy pin interrupt.
func (b *MockBus) IRQPinAsserted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.irqPin
}

// MSIXNotifications returns every vector NotifyMSIX has been called with,
// in order.
func (b *MockBus) MSIXNotifications() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, len(b.msixVectors))
	copy(out, b.msixVectors)
	return out
}

// WriteGuest is a test convenience for seeding guest memory (e.g. with a
// pre-built SQE or PRP list) without going through DMAWrite's bounds
// semantics from a non-controller caller's perspective.
func (b *MockBus) WriteGuest(addr uint64, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.mem[addr:], p)
}

// ReadGuest is the read-side counterpart of WriteGuest.
func (b *MockBus) ReadGuest(addr uint64, n int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, n)
	copy(out, b.mem[addr:addr+uint64(n)])
	return out
}

var _ Bus = (*MockBus)(nil)

// MockBlockBackend is an in-memory BlockBackend that completes every
// operation synchronously (the done callback fires before the method
// returns), which is sufficient for driving the controller's
// deterministic tests without a real event loop.
type MockBlockBackend struct {
	mu sync.Mutex

	data       []byte
	writeCache bool

	readCalls  int
	writeCalls int
	flushCalls int
	canceled   int
}

// NewMockBlockBackend creates a zero-filled backend of the given size.
func NewMockBlockBackend(size int64) *MockBlockBackend {
	return &MockBlockBackend{data: make([]byte, size)}
}

func (m *MockBlockBackend) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

func (m *MockBlockBackend) ReadAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) IOHandle {
	m.mu.Lock()
	m.readCalls++
	n := 0
	var err error
	for _, seg := range iov {
		if off+int64(len(seg)) > int64(len(m.data)) {
			err = NewError("ReadAt", ErrCodeBackendIO, "read past end of backend")
			break
		}
		copy(seg, m.data[off:off+int64(len(seg))])
		off += int64(len(seg))
		n += len(seg)
	}
	m.mu.Unlock()
	done(n, err)
	return nil
}

func (m *MockBlockBackend) WriteAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) IOHandle {
	m.mu.Lock()
	m.writeCalls++
	n := 0
	var err error
	for _, seg := range iov {
		if off+int64(len(seg)) > int64(len(m.data)) {
			err = NewError("WriteAt", ErrCodeBackendIO, "write past end of backend")
			break
		}
		copy(m.data[off:off+int64(len(seg))], seg)
		off += int64(len(seg))
		n += len(seg)
	}
	m.mu.Unlock()
	done(n, err)
	return nil
}

func (m *MockBlockBackend) WriteZeroes(ctx context.Context, off, length int64, mayUnmap bool, done func(err error)) IOHandle {
	m.mu.Lock()
	var err error
	if off+length > int64(len(m.data)) {
		err = NewError("WriteZeroes", ErrCodeBackendIO, "range past end of backend")
	} else {
		for i := off; i < off+length; i++ {
			m.data[i] = 0
		}
	}
	m.mu.Unlock()
	done(err)
	return nil
}

func (m *MockBlockBackend) Flush(ctx context.Context, done func(err error)) IOHandle {
	m.mu.Lock()
	m.flushCalls++
	m.mu.Unlock()
	done(nil)
	return nil
}

func (m *MockBlockBackend) Cancel(handle IOHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled++
}

func (m *MockBlockBackend) WriteCacheEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCache
}

// SetWriteCacheEnabled configures the VWC bit surfaced via Get Features.
func (m *MockBlockBackend) SetWriteCacheEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCache = enabled
}

// CallCounts returns how many times each operation has been invoked.
func (m *MockBlockBackend) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"read":     m.readCalls,
		"write":    m.writeCalls,
		"flush":    m.flushCalls,
		"canceled": m.canceled,
	}
}

var _ BlockBackend = (*MockBlockBackend)(nil)

// FakeClock is a manually-driven Clock for deterministic tests: time
// only moves when Advance is called, and every AfterFunc callback whose
// deadline has passed fires in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	nowMs   uint64
	timers  []*fakeTimer
	nextSeq uint64
}

// NewFakeClock creates a FakeClock starting at time 0.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

func (c *FakeClock) NowMillis() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

func (c *FakeClock) AfterFunc(d Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: fn}
	t.deadline, t.seq = c.deadlineFor(d), c.nextSeq
	c.nextSeq++
	c.timers = append(c.timers, t)
	return t
}

func (c *FakeClock) deadlineFor(d Duration) uint64 {
	// Durations are nanosecond-scaled; the clock's resolution is
	// milliseconds, so sub-millisecond deferrals (the doorbell coalescing
	// window) still order correctly by sequence within the same tick.
	return c.nowMs + uint64(d)/uint64(Millisecond)
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is now due, in deadline (then registration) order.
func (c *FakeClock) Advance(d Duration) {
	c.mu.Lock()
	c.nowMs += uint64(d) / uint64(Millisecond)
	if uint64(d) > 0 && uint64(d) < uint64(Millisecond) {
		// Sub-millisecond advances still cross a coalescing window even
		// though nowMs does not change; let zero-deadline timers fire.
	}
	due := c.dueLocked()
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].deadline != due[j].deadline {
			return due[i].deadline < due[j].deadline
		}
		return due[i].seq < due[j].seq
	})
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

func (c *FakeClock) dueLocked() []*fakeTimer {
	var due []*fakeTimer
	var remaining []*fakeTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if t.deadline <= c.nowMs {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	return due
}

type fakeTimer struct {
	clock    *FakeClock
	fn       func()
	deadline uint64
	seq      uint64
	stopped  bool
}

func (t *fakeTimer) Reset(d Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = false
	t.deadline = t.clock.deadlineFor(d)
	for _, existing := range t.clock.timers {
		if existing == t {
			return
		}
	}
	t.clock.timers = append(t.clock.timers, t)
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

var _ Clock = (*FakeClock)(nil)
var _ Timer = (*fakeTimer)(nil)
