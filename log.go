package nvme

import (
	"os"

	"golang.org/x/sys/unix"
)

// smartLogFilename is the filename the SMART/health log is persisted to
// across controller shutdowns, resolved relative to the controller's
// configured state directory.
const smartLogFilename = "smartlog.bin"

// loadSmartLog reads a previously persisted SMART log, if one exists,
// so power cycles don't reset counters an operator may be tracking.
func (c *Controller) loadSmartLog() {
	if c.params.StateDir == "" {
		return
	}
	path := c.params.StateDir + "/" + smartLogFilename
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	// Advisory lock so a concurrently shutting-down sibling controller
	// sharing the same state directory can't interleave a partial write
	// with this read.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err == nil {
		defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}

	data, err := os.ReadFile(path)
	if err != nil || len(data) < smartLogSize {
		return
	}
	c.smart = decodeSmartLog(data)
}

// persistSmartLog writes the current SMART log to disk; failures are
// logged but never fail the shutdown sequence, since the log is
// informational.
func (c *Controller) persistSmartLog() {
	if c.params.StateDir == "" {
		return
	}
	data := marshalStruct(&c.smart, smartLogSize)
	path := c.params.StateDir + "/" + smartLogFilename

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.logger.Warn("failed to persist smart log", "path", path, "err", err)
		return
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err == nil {
		defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
	if _, err := f.Write(data); err != nil {
		c.logger.Warn("failed to persist smart log", "path", path, "err", err)
	}
}

func decodeSmartLog(data []byte) SmartLog {
	var s SmartLog
	s.CritWarning = data[0]
	copy(s.Temperature[:], data[1:3])
	s.AvailSpare = data[3]
	s.SpareThresh = data[4]
	s.PercentUsed = data[5]
	copy(s.DataUnitsRead[:], data[32:48])
	copy(s.DataUnitsWritten[:], data[48:64])
	copy(s.HostReads[:], data[64:80])
	copy(s.HostWrites[:], data[80:96])
	copy(s.CtrlBusyTime[:], data[96:112])
	copy(s.PowerCycles[:], data[112:128])
	copy(s.PowerOnHours[:], data[128:144])
	copy(s.UnsafeShutdowns[:], data[144:160])
	copy(s.MediaErrors[:], data[160:176])
	copy(s.NumErrLogEntries[:], data[176:192])
	return s
}

// recordError appends an entry to the in-memory circular error log,
// advancing the head index and overwriting the oldest entry once full.
func (c *Controller) recordError(status StatusCode, sqid, cid uint16, lba uint64, nsid uint32) {
	entry := ErrorLogEntry{
		ErrorCount:  c.errorLogSeq,
		SQID:        sqid,
		CID:         cid,
		StatusField: uint16(status),
		LBA:         lba,
		NSID:        nsid,
	}
	c.errorLogSeq++
	c.errorLog[c.errorLogHead] = entry
	c.errorLogHead = (c.errorLogHead + 1) % NumErrorLog
}

// errorLogBytes returns the Error Information log page in
// newest-first order, as Get Log Page / LID 01h expects.
func (c *Controller) errorLogBytes() []byte {
	out := make([]byte, 0, NumErrorLog*errorLogEntrySize)
	for i := 0; i < NumErrorLog; i++ {
		idx := (c.errorLogHead - 1 - i + 2*NumErrorLog) % NumErrorLog
		out = append(out, marshalStruct(&c.errorLog[idx], errorLogEntrySize)...)
	}
	return out
}

// commandEffectsLogBytes builds the Command Effects log: one dword per
// admin opcode followed by one dword per I/O opcode, CSUPP set for every
// opcode this core dispatches and LBCC additionally set for the I/O
// opcodes that modify namespace data.
func (c *Controller) commandEffectsLogBytes() []byte {
	buf := make([]byte, commandEffectsLogSize)

	adminSupported := []uint8{
		opAdminDeleteIOSQ, opAdminCreateIOSQ, opAdminGetLogPage,
		opAdminDeleteIOCQ, opAdminCreateIOCQ, opAdminIdentify,
		opAdminSetFeatures, opAdminGetFeatures,
	}
	for _, op := range adminSupported {
		putLeUint32(buf[int(op)*4:], cseCSUPP)
	}

	ioBase := 256 * 4
	ioSupported := map[uint8]uint32{
		opIOFlush:       cseCSUPP,
		opIOWrite:       cseCSUPP | cseLBCC,
		opIORead:        cseCSUPP,
		opIOWriteZeroes: cseCSUPP | cseLBCC,
		opIODSM:         cseCSUPP | cseLBCC,
	}
	for op, bits := range ioSupported {
		putLeUint32(buf[ioBase+int(op)*4:], bits)
	}

	return buf
}

// telemetryLogBytes builds the Telemetry Host/Controller-Initiated log
// response. No real telemetry data is captured; the vendor-specific data
// area carries a fixed byte pattern keyed by the T10 Vendor ID field,
// preserved verbatim rather than zeroed, matching how guests that poll
// this log for liveness (rather than content) expect to see it change
// between captures.
func (c *Controller) telemetryLogBytes(cdw10 uint32) ([]byte, StatusCode) {
	create := cdw10&(telemetryCreateBit<<8) != 0
	if create {
		c.telemetryGen++
	}

	buf := make([]byte, telemetryLogHeaderSize+telemetryVendorBlockSize)
	putLeUint64(buf[0:8], telemetryT10VendorID)
	buf[8] = 1 // Telemetry Data Available
	buf[9] = uint8(c.telemetryGen)

	vendor := buf[telemetryLogHeaderSize:]
	for i := range vendor {
		vendor[i] = byte((uint64(i) + telemetryT10VendorID) & 0xFF)
	}
	return buf, StatusSuccess
}
