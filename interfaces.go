package nvme

import "context"

// Bus is the host-side collaborator the controller core uses to reach guest
// physical memory and to signal the guest. A PCIe device container (BAR
// registration, MSI-X vector table, configuration space) implements this on
// top of real guest memory; tests implement it on top of a byte slice.
type Bus interface {
	// DMARead copies length bytes from guest physical address addr into p.
	// p must be at least length bytes.
	DMARead(addr uint64, p []byte) error

	// DMAWrite copies len(p) bytes from p to guest physical address addr.
	DMAWrite(addr uint64, p []byte) error

	// CMBGuestBase returns the guest-physical address the PCIe container
	// mapped the Controller Memory Buffer BAR to, and whether a CMB is
	// present at all. The controller owns the CMB's backing bytes; the
	// bus only needs to know where in guest-physical space that BAR was
	// placed so the controller can recognize PRP pointers that fall in it.
	CMBGuestBase() (base uint64, ok bool)

	// AssertIRQ and DeassertIRQ drive the legacy pin interrupt.
	AssertIRQ()
	DeassertIRQ()

	// NotifyMSIX fires a message-signalled interrupt for the given vector.
	NotifyMSIX(vector uint16)

	// MSIXEnabled reports whether the guest has enabled MSI-X on the
	// function; when true the pin-IRQ path is not used.
	MSIXEnabled() bool
}

// BlockBackend is the asynchronous storage collaborator. All methods that
// perform I/O are asynchronous: they return immediately and invoke done
// (scheduled via the Clock, on the same serialized context the core runs
// on) when the operation completes.
type BlockBackend interface {
	// Size returns the backend's capacity in bytes.
	Size() int64

	// ReadAt / WriteAt perform vectored I/O at a byte offset. done is
	// called with the number of bytes transferred and an error, if any.
	// The returned IOHandle identifies the operation for Cancel.
	ReadAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) IOHandle
	WriteAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) IOHandle

	// WriteZeroes zeroes length bytes at off; mayUnmap hints that the
	// backend may instead deallocate the range if that is cheaper.
	WriteZeroes(ctx context.Context, off, length int64, mayUnmap bool, done func(err error)) IOHandle

	// Flush commits any buffered writes to durable storage.
	Flush(ctx context.Context, done func(err error)) IOHandle

	// Cancel aborts the in-flight operation identified by handle;
	// implementations that cannot cancel in-flight I/O may treat this as
	// a no-op provided the completion callback still eventually fires.
	Cancel(handle IOHandle)

	// WriteCacheEnabled reports whether a volatile write cache is active,
	// surfaced to the guest via Get/Set Features FID 06h.
	WriteCacheEnabled() bool
}

// IOHandle identifies one outstanding BlockBackend operation so it can be
// passed back to Cancel. Backends are free to use any concrete type.
type IOHandle any

// Clock is the virtual clock source used for deferred scheduling and for
// the Timestamp feature. Time is expressed in milliseconds since an
// arbitrary epoch chosen by the host; it must be monotonic and
// deterministic with respect to the host's event loop.
type Clock interface {
	// NowMillis returns the current virtual-clock time in milliseconds.
	NowMillis() uint64

	// AfterFunc schedules fn to run after d on the controller's serialized
	// context and returns a handle that can be used to re-arm (call again)
	// or cancel the pending fire.
	AfterFunc(d Duration, fn func()) Timer
}

// Duration is a virtual-clock interval, expressed in nanoseconds, kept
// distinct from time.Duration so a Clock implementation is not forced to
// be wall-clock based.
type Duration int64

// Common deferral windows named in the component design.
const (
	Nanosecond  Duration = 1
	Microsecond          = 1000 * Nanosecond
	Millisecond          = 1000 * Microsecond

	// DoorbellCoalesceWindow is the deferral applied from a triggering
	// doorbell write or request completion to the scheduled drain pass.
	DoorbellCoalesceWindow Duration = 500 * Nanosecond
)

// Timer is a handle to a scheduled Clock callback.
type Timer interface {
	// Reset re-arms the timer to fire d from now, cancelling any pending
	// fire. It is safe to call on an already-fired or already-stopped timer.
	Reset(d Duration)

	// Stop cancels a pending fire. Returns false if the timer already fired.
	Stop() bool
}
