package nvme

import "context"

// Namespace is the controller's single backing namespace (NSID 1); this
// core does not implement namespace management, so its geometry is fixed
// for the lifetime of the controller.
type Namespace struct {
	blockShift uint8 // LBA size as a power of two, e.g. 9 for 512
	sizeBlocks uint64
	usedBlocks uint64
}

func newNamespace(sizeBytes int64, logicalBlockSize int) *Namespace {
	shift := uint8(0)
	for s := logicalBlockSize; s > 1; s >>= 1 {
		shift++
	}
	return &Namespace{
		blockShift: shift,
		sizeBlocks: uint64(sizeBytes) >> shift,
		usedBlocks: uint64(sizeBytes) >> shift,
	}
}

func (ns *Namespace) blockSize() int64 { return int64(1) << ns.blockShift }

// byteRange validates an LBA range (nlb is zero's based, per the wire
// format) and converts it to a byte offset/length pair, or an
// LBA-out-of-range status.
func (ns *Namespace) byteRange(slba uint64, nlb0based uint16) (off, length int64, status StatusCode) {
	nlb := uint64(nlb0based) + 1
	if slba+nlb > ns.sizeBlocks {
		return 0, 0, StatusLBARange | StatusDNR
	}
	return int64(slba) * ns.blockSize(), int64(nlb) * ns.blockSize(), StatusSuccess
}

// noteWrite is a no-op placeholder for future use-tracking; NUSE is
// reported equal to NCAP since this core has no thin-provisioning model.
func (ns *Namespace) noteWrite(slba uint64, nlb0based uint16) {}

func (ns *Namespace) identify() IdentifyNamespace {
	var in IdentifyNamespace
	in.NSZE = ns.sizeBlocks
	in.NCAP = ns.sizeBlocks
	in.NUSE = ns.usedBlocks
	in.NLBAF = 0 // one format defined, 0's based count of additional formats
	in.FLBAS = 0
	in.LBAF[0] = lbaFormat{DS: ns.blockShift, RP: 0}
	return in
}

// identifyController builds the 4096-byte Identify Controller structure
// advertised for CNS=01h from the controller's configured identity and
// capability set.
func (c *Controller) identifyController() IdentifyController {
	var ic IdentifyController
	copy(ic.SN[:], padASCII(c.params.SerialNumber, len(ic.SN)))
	copy(ic.MN[:], padASCII(c.params.ModelNumber, len(ic.MN)))
	copy(ic.FR[:], padASCII("1.0", len(ic.FR)))

	ic.CNTLID = 0
	ic.VER = idCtrlVersion
	ic.OACS = 0
	ic.ACL = 3
	ic.AERL = 3
	ic.FRMW = 1 // one read-only firmware slot; no firmware download support
	ic.LPA = lpaCSE | lpaTelemetry
	ic.ELPE = NumErrorLog - 1
	ic.NPSS = 0
	ic.SQES = 0x66 // 64-byte entries, min == max
	ic.CQES = 0x44 // 16-byte entries, min == max
	ic.NN = 1

	oncs := uint16(oncsWriteZeroes | oncsDSM | oncsTimestamp)
	ic.ONCS = oncs
	ic.VWC = 0
	if c.backend.WriteCacheEnabled() {
		ic.VWC = 1
	}
	ic.AWUN = 0
	ic.AWUPF = 0
	ic.MDTS = 0 // no transfer size limit beyond MaxIOSize enforced at the PRP mapper

	ic.PSD[0] = powerStateDescriptor{MaxPower: 10}
	return ic
}

func padASCII(s string, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = ' '
	}
	copy(buf, s)
	return buf
}

// flushNamespace asks the backend to commit any buffered writes; used by
// the shutdown sequence.
func (c *Controller) flushNamespace(done func(err error)) {
	c.backend.Flush(context.Background(), done)
}
