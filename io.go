package nvme

import "context"

// dispatchIO executes one I/O-queue command. Read/Write/Write Zeroes and
// Flush return statusNoComplete and post their own completion from the
// backend's done callback; Dataset Management with only deallocate
// ranges completes synchronously once every range has been issued.
func (c *Controller) dispatchIO(req *Request, sqe *SQE) StatusCode {
	switch sqe.Opcode() {
	case opIOFlush:
		return c.ioFlush(req, sqe)
	case opIOWrite:
		return c.ioWrite(req, sqe)
	case opIORead:
		return c.ioRead(req, sqe)
	case opIOWriteZeroes:
		return c.ioWriteZeroes(req, sqe)
	case opIODSM:
		return c.ioDSM(req, sqe)
	default:
		c.logger.Warn("unsupported I/O opcode", "opcode", sqe.Opcode())
		return StatusInvalidOpcode | StatusDNR
	}
}

func decodeRW(sqe *SQE) rwCommand {
	return rwCommand{
		SLBA:    uint64(sqe.CDW11)<<32 | uint64(sqe.CDW10),
		NLB:     uint16(sqe.CDW12 & 0xFFFF),
		RWFlags: uint16(sqe.CDW12 >> 16),
		DSM:     uint8(sqe.CDW13 & 0xFF),
	}
}

func (c *Controller) ioRead(req *Request, sqe *SQE) StatusCode {
	if sqe.NSID != 1 {
		return StatusInvalidNSID | StatusDNR
	}
	rw := decodeRW(sqe)
	off, length, status := c.ns.byteRange(rw.SLBA, rw.NLB)
	if status != StatusSuccess {
		return status
	}

	segs, status := c.mapPRP(sqe.PRP1, sqe.PRP2, uint32(length))
	if status != StatusSuccess {
		return status
	}
	iov := c.scatterWrite(segs)
	req.segs, req.staging = segs, iov
	req.xferBytes = uint64(length)

	req.handle = c.backend.ReadAt(context.Background(), iov, off, func(n int, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		status := StatusSuccess
		if err != nil || n != int(length) {
			c.logger.Warn("backend read failed", "lba", rw.SLBA, "nlb", rw.NLB, "err", err)
			status = StatusInternalDevError | StatusDNR
		} else if err := c.flushWrite(req.segs, req.staging); err != nil {
			status = StatusInternalDevError | StatusDNR
		}
		c.completeRequest(req, status)
	})
	return statusNoComplete
}

func (c *Controller) ioWrite(req *Request, sqe *SQE) StatusCode {
	if sqe.NSID != 1 {
		return StatusInvalidNSID | StatusDNR
	}
	rw := decodeRW(sqe)
	off, length, status := c.ns.byteRange(rw.SLBA, rw.NLB)
	if status != StatusSuccess {
		return status
	}

	segs, status := c.mapPRP(sqe.PRP1, sqe.PRP2, uint32(length))
	if status != StatusSuccess {
		return status
	}
	iov, err := c.gatherRead(segs)
	if err != nil {
		return StatusInvalidField | StatusDNR
	}
	req.xferBytes = uint64(length)

	req.handle = c.backend.WriteAt(context.Background(), iov, off, func(n int, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		status := StatusSuccess
		if err != nil || n != int(length) {
			c.logger.Warn("backend write failed", "lba", rw.SLBA, "nlb", rw.NLB, "err", err)
			status = StatusInternalDevError | StatusDNR
		} else {
			c.ns.noteWrite(rw.SLBA, rw.NLB)
		}
		c.completeRequest(req, status)
	})
	return statusNoComplete
}

func (c *Controller) ioWriteZeroes(req *Request, sqe *SQE) StatusCode {
	if sqe.NSID != 1 {
		return StatusInvalidNSID | StatusDNR
	}
	rw := decodeRW(sqe)
	off, length, status := c.ns.byteRange(rw.SLBA, rw.NLB)
	if status != StatusSuccess {
		return status
	}
	mayUnmap := sqe.CDW12&(1<<25) != 0

	req.handle = c.backend.WriteZeroes(context.Background(), off, length, mayUnmap, func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		status := StatusSuccess
		if err != nil {
			status = StatusInternalDevError | StatusDNR
		} else {
			c.ns.noteWrite(rw.SLBA, rw.NLB)
		}
		c.completeRequest(req, status)
	})
	return statusNoComplete
}

func (c *Controller) ioFlush(req *Request, sqe *SQE) StatusCode {
	if sqe.NSID != 1 {
		return StatusInvalidNSID | StatusDNR
	}
	req.handle = c.backend.Flush(context.Background(), func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		status := StatusSuccess
		if err != nil {
			status = StatusInternalDevError | StatusDNR
		}
		c.completeRequest(req, status)
	})
	return statusNoComplete
}

// ioDSM implements Dataset Management restricted to the deallocate
// attribute; Write Zeroes with mayUnmap already covers the reclaim path
// backends care about, so when CDW11 has the deallocate bit set each
// in-range descriptor is issued as one WriteZeroes(mayUnmap=true). Those
// calls are not awaited: the command completes once they are issued.
func (c *Controller) ioDSM(req *Request, sqe *SQE) StatusCode {
	if sqe.NSID != 1 {
		return StatusInvalidNSID | StatusDNR
	}
	nr := int(sqe.CDW10&0xFF) + 1
	if nr > NumMaxDSMRanges {
		return StatusInvalidField | StatusDNR
	}
	attrs := sqe.CDW11
	if attrs&dsmAttrDeallocate == 0 {
		return StatusSuccess
	}

	raw := make([]byte, nr*dsmRangeSize)
	segs, status := c.mapPRP(sqe.PRP1, sqe.PRP2, uint32(len(raw)))
	if status != StatusSuccess {
		return status
	}
	if err := c.readPRPInto(segs, raw); err != nil {
		return StatusInvalidField | StatusDNR
	}

	for i := 0; i < nr; i++ {
		entry := raw[i*dsmRangeSize : (i+1)*dsmRangeSize]
		rng := dsmRange{
			CtxAttrs: leUint32(entry[0:4]),
			NLB:      leUint32(entry[4:8]),
			SLBA:     leUint64(entry[8:16]),
		}
		off, length, status := c.ns.byteRange(rng.SLBA, uint16(rng.NLB))
		if status != StatusSuccess {
			continue
		}
		c.backend.WriteZeroes(context.Background(), off, length, true, func(error) {})
		c.ns.noteWrite(rng.SLBA, uint16(rng.NLB))
	}
	return StatusSuccess
}

func (c *Controller) readPRPInto(segs []prpSegment, dst []byte) error {
	n := 0
	for _, seg := range segs {
		if off, ok := c.cmbRange(seg.addr, seg.len); ok {
			copy(dst[n:], c.cmb[off:off+int(seg.len)])
			n += int(seg.len)
			continue
		}
		if err := c.bus.DMARead(seg.addr, dst[n:n+int(seg.len)]); err != nil {
			return err
		}
		n += int(seg.len)
	}
	return nil
}
