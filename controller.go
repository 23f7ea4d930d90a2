// Package nvme implements the core of an emulated NVM Express storage
// controller: the MMIO register file, submission/completion queue
// machinery, admin and I/O command dispatch, PRP scatter-gather mapping,
// and the completion/interrupt engine. It is deliberately decoupled from
// any particular device-model or emulator framework: callers supply a
// Bus (guest memory + interrupt signalling), a BlockBackend (async
// storage), and a Clock (deferred scheduling), and get back a Controller
// that speaks the wire protocol over them.
package nvme

import (
	"sync"

	"github.com/behrlich/go-nvme/internal/constants"
	"github.com/behrlich/go-nvme/internal/logging"
)

// Params configures a Controller at construction time.
type Params struct {
	// NumQueues is the number of I/O queue pairs advertised via Get
	// Features FID 07h, exclusive of the admin queue pair.
	NumQueues int

	// QueueDepth is the default size used when DefaultParams picks a
	// starting point for test/demo callers; real queue sizes are
	// negotiated per-queue by Create I/O SQ/CQ.
	QueueDepth int

	// LogicalBlockSize is the LBA size, in bytes, of the single namespace.
	LogicalBlockSize int

	// MaxIOSize bounds the largest single transfer the PRP mapper will
	// service, in bytes.
	MaxIOSize int

	// CMBSizeMB is the Controller Memory Buffer size; 0 disables the CMB.
	CMBSizeMB int

	// DeviceID identifies this controller instance for logging and
	// Attach bookkeeping; AutoAssignDeviceID lets the caller ask for the
	// next free id.
	DeviceID int32

	// SerialNumber and ModelNumber populate the Identify Controller SN/MN
	// fields.
	SerialNumber string
	ModelNumber  string

	// StateDir, if non-empty, is where the SMART/health log is persisted
	// across shutdowns (smartlog.bin).
	StateDir string

	// Logger, if nil, uses the package's default logger.
	Logger *logging.Logger

	// Observer, if nil, uses a no-op observer.
	Observer Observer
}

// DefaultParams returns sensible defaults for a single-namespace
// controller backed by backend.
func DefaultParams(backend BlockBackend) Params {
	return Params{
		NumQueues:        constants.DefaultNumQueues,
		QueueDepth:       constants.DefaultQueueDepth,
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,
		CMBSizeMB:        constants.DefaultCMBSizeMB,
		DeviceID:         constants.AutoAssignDeviceID,
		SerialNumber:     "NVME0000000000000001",
		ModelNumber:      "go-nvme emulated controller",
	}
}

// Controller is an emulated NVMe controller core. All command processing
// and register/doorbell handling runs serialized behind mu, matching the
// single-threaded cooperative model a device emulator's main loop
// expects: every entry point is safe to call from that loop without the
// caller doing its own locking.
type Controller struct {
	mu sync.Mutex

	params   Params
	bus      Bus
	backend  BlockBackend
	clock    Clock
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer

	pageSize uint32

	// ioSQEntrySize/ioCQEntrySize are derived from CC.IOSQES/IOCQES on a
	// successful enable (1 << the respective nibble). They govern I/O
	// queue entry strides only; the admin queue pair is always sqeSize/
	// cqeSize, per the NVMe spec.
	ioSQEntrySize uint16
	ioCQEntrySize uint16

	cc    uint32
	csts  uint32
	intms uint32
	aqa   uint32
	asq   uint64
	acq   uint64

	// pinIRQStatus is a per-CQ bit mask (bit N = completion queue N has an
	// unacknowledged pin-IRQ-worthy completion), gated against intms before
	// ever reaching the bus: the pin is asserted only while some bit is
	// both set and unmasked.
	pinIRQStatus uint64

	sqs []*SubmissionQueue
	cqs []*CompletionQueue

	ns *Namespace

	smart        SmartLog
	errorLog     [NumErrorLog]ErrorLogEntry
	errorLogHead int
	errorLogSeq  uint64
	fwSlot       FirmwareSlotLog
	telemetryGen uint8

	cmb []byte

	// tsHostValue/tsAnchorMillis/tsOriginSet implement the Timestamp
	// feature (FID 0Eh): tsHostValue is the last host-provided 48-bit ms
	// value, anchored to the virtual clock reading tsAnchorMillis at the
	// time it was set. tsOriginSet is false until a host value has ever
	// been installed; all three reset on enable (§4.1.1).
	tsHostValue    uint64
	tsAnchorMillis uint64
	tsOriginSet    bool
}

// NewController constructs a Controller wired to bus, backend, and
// clock, with backend.Size() defining the single namespace's
// capacity. The controller starts in the power-up (disabled) state;
// callers drive it to ready by writing CC via WriteReg exactly as a
// guest driver would.
func NewController(bus Bus, backend BlockBackend, clock Clock, params Params) (*Controller, error) {
	if bus == nil {
		return nil, NewError("NewController", ErrCodeInvalidParameters, "bus must not be nil")
	}
	if backend == nil {
		return nil, NewError("NewController", ErrCodeInvalidParameters, "backend must not be nil")
	}
	if clock == nil {
		return nil, NewError("NewController", ErrCodeInvalidParameters, "clock must not be nil")
	}

	if params.NumQueues <= 0 {
		params.NumQueues = constants.DefaultNumQueues
	}
	if params.LogicalBlockSize <= 0 {
		params.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}
	if params.MaxIOSize <= 0 {
		params.MaxIOSize = constants.DefaultMaxIOSize
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := params.Observer
	if observer == nil {
		observer = &NoOpObserver{}
	}

	c := &Controller{
		params:        params,
		bus:           bus,
		backend:       backend,
		clock:         clock,
		logger:        logger,
		metrics:       NewMetrics(),
		observer:      observer,
		pageSize:      4096,
		ioSQEntrySize: sqeSize,
		ioCQEntrySize: cqeSize,
		sqs:           make([]*SubmissionQueue, params.NumQueues+1),
		cqs:           make([]*CompletionQueue, params.NumQueues+1),
		ns:            newNamespace(backend.Size(), params.LogicalBlockSize),
	}

	if params.CMBSizeMB > 0 {
		c.cmb = make([]byte, params.CMBSizeMB<<20)
	}

	c.loadSmartLog()
	c.fwSlot.AFI = 1 // slot 1 active, read-only, firmware download unsupported
	copy(c.fwSlot.FRS[0][:], padASCII("1.0", len(c.fwSlot.FRS[0])))
	return c, nil
}

// Attach is the control-plane entry point a device container calls once
// it has registered BAR0/BAR2 and is ready for the controller to begin
// servicing MMIO. It is a thin, explicit seam (rather than doing this
// work in NewController) so construction and guest-visibility are two
// distinct, independently testable steps.
func (c *Controller) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info("controller attached", "device_id", c.params.DeviceID, "queues", c.params.NumQueues)
}

// Reset tears down all queues and returns CC/CSTS to their power-up
// values, as if the guest had cleared CC.EN without a full Controller
// reconstruction. Configuration registers the guest previously staged
// (AQA/ASQ/ACQ) are left intact, matching nvme_clear_ctrl.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownQueues()
	c.cc = 0
	c.csts = 0
}

// Snapshot is a point-in-time, read-only view of controller state for
// diagnostics and tests.
type Snapshot struct {
	CC          uint32
	CSTS        uint32
	PageSize    uint32
	NumSQs      int
	NumCQs      int
	NamespaceLBAs uint64
	Metrics     MetricsSnapshot
}

// Snapshot captures the controller's current register and queue state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	numSQ, numCQ := 0, 0
	for _, sq := range c.sqs {
		if sq != nil {
			numSQ++
		}
	}
	for _, cq := range c.cqs {
		if cq != nil {
			numCQ++
		}
	}

	return Snapshot{
		CC:            c.cc,
		CSTS:          c.csts,
		PageSize:      c.pageSize,
		NumSQs:        numSQ,
		NumCQs:        numCQ,
		NamespaceLBAs: c.ns.sizeBlocks,
		Metrics:       c.metrics.Snapshot(),
	}
}

// Metrics returns the controller's metrics for external observers that
// want direct access rather than going through Observer.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}
