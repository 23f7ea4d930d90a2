package nvme

// dispatchAdmin executes one admin-queue command and returns its
// completion status. Commands that complete synchronously (everything
// admin queues carry in this core) return a concrete StatusCode;
// statusNoComplete is never returned here.
func (c *Controller) dispatchAdmin(req *Request, sqe *SQE) StatusCode {
	switch sqe.Opcode() {
	case opAdminDeleteIOSQ:
		return c.deleteIOSQ(uint16(sqe.CDW10 & 0xFFFF))
	case opAdminCreateIOSQ:
		return c.adminCreateIOSQ(sqe)
	case opAdminDeleteIOCQ:
		return c.deleteIOCQ(uint16(sqe.CDW10 & 0xFFFF))
	case opAdminCreateIOCQ:
		return c.adminCreateIOCQ(sqe)
	case opAdminIdentify:
		return c.adminIdentify(req, sqe)
	case opAdminGetLogPage:
		return c.adminGetLogPage(req, sqe)
	case opAdminGetFeatures:
		return c.adminGetFeatures(req, sqe)
	case opAdminSetFeatures:
		return c.adminSetFeatures(req, sqe)
	default:
		c.logger.Warn("unsupported admin opcode", "opcode", sqe.Opcode())
		return StatusInvalidOpcode | StatusDNR
	}
}

func (c *Controller) adminCreateIOSQ(sqe *SQE) StatusCode {
	qid := uint16(sqe.CDW10 & 0xFFFF)
	qsize := uint16((sqe.CDW10>>16)&0xFFFF) + 1
	physContig := sqe.CDW11&1 != 0
	cqid := uint16((sqe.CDW11 >> 16) & 0xFFFF)
	return c.createIOSQ(qid, cqid, qsize, sqe.PRP1, physContig)
}

func (c *Controller) adminCreateIOCQ(sqe *SQE) StatusCode {
	qid := uint16(sqe.CDW10 & 0xFFFF)
	qsize := uint16((sqe.CDW10>>16)&0xFFFF) + 1
	physContig := sqe.CDW11&1 != 0
	irqEnabled := sqe.CDW11&2 != 0
	vector := uint16((sqe.CDW11 >> 16) & 0xFFFF)
	return c.createIOCQ(qid, qsize, sqe.PRP1, vector, irqEnabled, physContig)
}

// adminIdentify implements Identify (CNS 00h/01h/02h), writing the
// 4096-byte result through the command's PRP pointers.
func (c *Controller) adminIdentify(req *Request, sqe *SQE) StatusCode {
	cns := uint8(sqe.CDW10 & 0xFF)

	var data []byte
	switch cns {
	case cnsController:
		ic := c.identifyController()
		data = marshalStruct(&ic, identifyControllerSize)
	case cnsNamespace:
		if sqe.NSID != 1 {
			return StatusInvalidNSID | StatusDNR
		}
		in := c.ns.identify()
		data = marshalStruct(&in, identifyNamespaceSize)
	case cnsNamespaceList:
		data = c.namespaceList(sqe.NSID)
	default:
		return StatusInvalidField | StatusDNR
	}

	return c.writePRPData(sqe.PRP1, sqe.PRP2, data)
}

// namespaceList builds the active namespace list of nsids greater than
// nsid: NSID 1 when nsid is 0, otherwise an empty list.
func (c *Controller) namespaceList(nsid uint32) []byte {
	buf := make([]byte, namespaceListSize)
	if nsid < 1 {
		putLeUint32(buf[0:4], 1) // single namespace, NSID 1
	}
	return buf
}

// adminGetLogPage implements Get Log Page for the log ids this core
// supports: error information, SMART/health, firmware slot, command
// effects, and the two telemetry log ids.
func (c *Controller) adminGetLogPage(req *Request, sqe *SQE) StatusCode {
	lid := uint8(sqe.CDW10 & 0xFF)
	numDwLower := (sqe.CDW10 >> 16) & 0xFFFF
	numDwUpper := sqe.CDW11 & 0xFFFF
	numDw := (numDwUpper<<16 | numDwLower) + 1
	size := int(numDw) * 4
	offset := uint64(sqe.CDW13)<<32 | uint64(sqe.CDW12)

	var full []byte
	switch lid {
	case logErrorInformation:
		full = c.errorLogBytes()
	case logSmartHealth:
		full = marshalStruct(&c.smart, smartLogSize)
	case logFirmwareSlot:
		full = marshalStruct(&c.fwSlot, firmwareSlotLogSize)
	case logCommandEffects:
		full = c.commandEffectsLogBytes()
	case logTelemetryHost, logTelemetryController:
		var status StatusCode
		full, status = c.telemetryLogBytes(sqe.CDW10)
		if status != StatusSuccess {
			return status
		}
	default:
		return StatusInvalidLogID | StatusDNR
	}

	if int(offset) >= len(full) {
		return StatusInvalidField | StatusDNR
	}
	end := int(offset) + size
	if end > len(full) {
		end = len(full)
	}
	chunk := full[offset:end]
	return c.writePRPData(sqe.PRP1, sqe.PRP2, chunk)
}

// adminGetFeatures implements Get Features for the feature ids this core
// advertises: Volatile Write Cache, Number of Queues, Timestamp.
func (c *Controller) adminGetFeatures(req *Request, sqe *SQE) StatusCode {
	fid := uint8(sqe.CDW10 & 0xFF)
	switch fid {
	case featVolatileWriteCache:
		if c.backend.WriteCacheEnabled() {
			req.cqe.Result = 1
		}
	case featNumberOfQueues:
		n := uint32(c.params.NumQueues - 1)
		req.cqe.Result = n | n<<16
	case featTimestamp:
		value, originSet := c.currentTimestamp()
		if originSet {
			req.cqe.Result = 1
		}
		return c.writePRPData(sqe.PRP1, sqe.PRP2, timestampBytes(value))
	default:
		return StatusInvalidField | StatusDNR
	}
	return StatusSuccess
}

// adminSetFeatures implements Set Features for the feature ids this core
// advertises. Volatile Write Cache and Number of Queues are accepted
// without effect (the backend's cache policy and queue count are fixed at
// construction); Timestamp captures the host-provided value and anchors
// it to the virtual clock. Any other feature id is rejected.
func (c *Controller) adminSetFeatures(req *Request, sqe *SQE) StatusCode {
	fid := uint8(sqe.CDW10 & 0xFF)
	switch fid {
	case featVolatileWriteCache, featNumberOfQueues:
		return StatusSuccess
	case featTimestamp:
		data, status := c.readPRPData(sqe.PRP1, sqe.PRP2, 6)
		if status != StatusSuccess {
			return status
		}
		var raw [8]byte
		copy(raw[:6], data)
		c.tsHostValue = leUint64(raw[:]) & timestampMask
		c.tsAnchorMillis = c.clock.NowMillis()
		c.tsOriginSet = true
		return StatusSuccess
	default:
		return StatusInvalidField | StatusDNR
	}
}

// writePRPData maps prp1/prp2 for len(data) bytes and copies data into
// guest memory (or the CMB) across the resulting segments.
func (c *Controller) writePRPData(prp1, prp2 uint64, data []byte) StatusCode {
	segs, status := c.mapPRP(prp1, prp2, uint32(len(data)))
	if status != StatusSuccess {
		return status
	}
	iov := c.scatterWrite(segs)
	n := 0
	for i, seg := range iov {
		copy(seg, data[n:n+int(segs[i].len)])
		n += int(segs[i].len)
	}
	if err := c.flushWrite(segs, iov); err != nil {
		return StatusInternalDevError | StatusDNR
	}
	return StatusSuccess
}

// readPRPData maps prp1/prp2 for length bytes and copies guest memory (or
// the CMB) into a single contiguous host buffer.
func (c *Controller) readPRPData(prp1, prp2 uint64, length uint32) ([]byte, StatusCode) {
	segs, status := c.mapPRP(prp1, prp2, length)
	if status != StatusSuccess {
		return nil, status
	}
	iov, err := c.gatherRead(segs)
	if err != nil {
		return nil, StatusInternalDevError | StatusDNR
	}
	data := make([]byte, 0, length)
	for _, seg := range iov {
		data = append(data, seg...)
	}
	return data, StatusSuccess
}

// timestampMask is the 48-bit range a Timestamp feature value wraps
// within (§4.5).
const timestampMask = 1<<48 - 1

// timestampBytes encodes a 48-bit millisecond Timestamp field (§5.8 of the
// base spec) as its 6 little-endian bytes; the attribute bytes that follow
// it in the 8-byte Timestamp structure are not produced.
func timestampBytes(ms uint64) []byte {
	buf := make([]byte, 8)
	putLeUint64(buf, ms&timestampMask)
	return buf[:6]
}

// currentTimestamp computes the Get Features Timestamp value: the
// host-anchored value plus elapsed virtual-clock time since it was set,
// wrapped to 48 bits. The origin bit (TSO, byte 7 bit 0 of the full
// Timestamp feature dword) is reported separately since it lives outside
// the 48-bit value itself.
func (c *Controller) currentTimestamp() (value uint64, originSet bool) {
	now := c.clock.NowMillis()
	elapsed := now - c.tsAnchorMillis
	return (c.tsHostValue + elapsed) & timestampMask, c.tsOriginSet
}
