package nvme

// ReadReg services a guest MMIO read from BAR0 at the given byte offset
// and width (1, 2, 4, or 8). Reads outside the defined register file
// return zero, matching real hardware's handling of reserved space.
func (c *Controller) ReadReg(offset uint64, width int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case regCAP:
		return c.cap()
	case regVS:
		return uint64(versionRegister)
	case regINTMS, regINTMC:
		return uint64(c.intms)
	case regCC:
		return uint64(c.cc)
	case regCSTS:
		return uint64(c.csts)
	case regAQA:
		return uint64(c.aqa)
	case regASQ:
		return c.asq
	case regACQ:
		return c.acq
	case regCMBLOC:
		return uint64(c.cmbloc())
	case regCMBSZ:
		return uint64(c.cmbsz())
	default:
		return 0
	}
}

// WriteReg services a guest MMIO write. Writes to read-only or reserved
// registers are logged and discarded; CC and the doorbell region are the
// only writes that drive controller behavior.
func (c *Controller) WriteReg(offset uint64, value uint64, width int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset%4 != 0 || width < 4 {
		c.logger.Warn("misaligned or sub-word register write ignored", "offset", offset, "width", width)
		return
	}

	if offset >= regDoorbellBase {
		c.handleDoorbellWrite(offset, uint32(value))
		return
	}

	switch offset {
	case regINTMS:
		if c.bus.MSIXEnabled() {
			c.logger.Warn("INTMS write ignored while MSI-X is enabled", "value", value)
			return
		}
		c.intms |= uint32(value)
		c.reevaluatePinIRQ()
	case regINTMC:
		if c.bus.MSIXEnabled() {
			c.logger.Warn("INTMC write ignored while MSI-X is enabled", "value", value)
			return
		}
		c.intms &^= uint32(value)
		c.reevaluatePinIRQ()
	case regCC:
		c.writeCC(uint32(value))
	case regAQA:
		c.aqa = uint32(value) & (aqaASQSMask | aqaACQSMask)
	case regASQ:
		c.asq = value &^ 0xFFF
	case regASQ + 4:
		c.asq |= (value & 0xFFFFFFFF) << 32
	case regACQ:
		c.acq = value &^ 0xFFF
	case regACQ + 4:
		c.acq |= (value & 0xFFFFFFFF) << 32
	case regNSSR:
		if uint32(value) == nssrMagic {
			c.logger.Info("NSSR write received; subsystem reset is unsupported")
		}
	default:
		c.logger.Debug("write to unsupported register ignored", "offset", offset, "value", value)
	}
}

// cap assembles the Controller Capabilities register from static
// attributes.
func (c *Controller) cap() uint64 {
	var v uint64
	v |= uint64(capMQES)
	v |= capCQR
	v |= capTO
	v |= capCSSNVM
	v |= uint64(capMPSMAX) << capMPSMAXShift
	return v
}

func (c *Controller) cmbloc() uint32 {
	if c.params.CMBSizeMB == 0 {
		return 0
	}
	return 2 // BAR index 2, offset 0
}

func (c *Controller) cmbsz() uint32 {
	if c.params.CMBSizeMB == 0 {
		return 0
	}
	// Size granularity unit = 2: size counted in 1 MiB units (SZU=0b0010).
	return (uint32(c.params.CMBSizeMB) << 12) | (2 << 8) | (1 << 4) | (1 << 1)
}

// writeCC handles a write to Controller Configuration, driving the
// CC.EN/CSTS.RDY enable sequence and the CC.SHN/CSTS.SHST shutdown
// sequence on their respective 0-to-1 edges (nvme_start_ctrl /
// nvme_clear_ctrl in spirit). CC.SHN returning to 0 clears CSTS.SHST.
func (c *Controller) writeCC(value uint32) {
	prevEn := c.cc&ccEnMask != 0
	prevShn := (c.cc & ccShnMask) != 0

	c.cc = value
	newEn := c.cc&ccEnMask != 0
	newShn := (c.cc & ccShnMask) != 0

	if newEn && !prevEn {
		c.startController()
		return
	}
	if !newEn && prevEn {
		c.resetController()
		return
	}
	if newShn && !prevShn && prevEn {
		c.shutdownController()
	}
	if !newShn && prevShn {
		c.csts &^= cstsShstMask
	}
}

// startController validates the admin queue configuration the guest
// staged in AQA/ASQ/ACQ, along with CC's page-size and I/O entry-size
// fields, and transitions to the ready state, or reports a fatal
// controller status if any of it is invalid (nvme_start_ctrl).
func (c *Controller) startController() {
	mps := (c.cc & ccMPSMask) >> ccMPSShift
	if mps < capMPSMIN || mps > capMPSMAX {
		c.csts |= cstsCFS
		return
	}
	pageSize := uint32(1) << (12 + mps)

	asqSize := (c.aqa & aqaASQSMask) + 1
	acqSize := ((c.aqa & aqaACQSMask) >> aqaACQSShift) + 1

	if c.asq == 0 || c.acq == 0 || asqSize < 2 || acqSize < 2 {
		c.csts |= cstsCFS
		return
	}
	if c.asq%uint64(pageSize) != 0 || c.acq%uint64(pageSize) != 0 {
		c.csts |= cstsCFS
		return
	}

	ic := c.identifyController()
	ioSQES := (c.cc & ccIOSQESMask) >> ccIOSQESShift
	ioCQES := (c.cc & ccIOCQESMask) >> ccIOCQESShift
	if ioSQES < uint32(ic.SQES&0xF) || ioSQES > uint32(ic.SQES>>4) {
		c.csts |= cstsCFS
		return
	}
	if ioCQES < uint32(ic.CQES&0xF) || ioCQES > uint32(ic.CQES>>4) {
		c.csts |= cstsCFS
		return
	}

	c.pageSize = pageSize
	c.ioSQEntrySize = uint16(1) << ioSQES
	c.ioCQEntrySize = uint16(1) << ioCQES

	c.tsHostValue = 0
	c.tsAnchorMillis = c.clock.NowMillis()
	c.tsOriginSet = false

	c.newAdminQueues(c.asq, c.acq, uint16(asqSize), uint16(acqSize))
	c.csts = cstsRDY
	c.logger.Info("controller enabled", "page_size", c.pageSize, "asq_size", asqSize, "acq_size", acqSize)
}

// resetController tears down all queues, clears CC and CSTS, and leaves
// AQA/ASQ/ACQ as the guest programmed them.
func (c *Controller) resetController() {
	c.teardownQueues()
	c.cc = 0
	c.csts = 0
	c.logger.Info("controller disabled")
}

// shutdownController performs the abbreviated/normal shutdown sequence:
// tear down all queues, advance the SMART power-cycle count, issue a
// namespace flush, persist the SMART log, and report SHST=complete. The
// flush is not awaited; its callback only logs a failure.
func (c *Controller) shutdownController() {
	c.teardownQueues()
	putLeUint64(c.smart.PowerCycles[:8], leUint64(c.smart.PowerCycles[:8])+1)
	c.flushNamespace(func(err error) {
		if err != nil {
			c.logger.Warn("shutdown flush failed", "err", err)
		}
	})
	c.persistSmartLog()
	c.csts = (c.csts &^ cstsShstMask) | cstsShstComplete
	c.logger.Info("controller shutdown complete")
}

func (c *Controller) teardownQueues() {
	for i, sq := range c.sqs {
		if sq == nil {
			continue
		}
		sq.timer.Stop()
		c.sqs[i] = nil
	}
	for i, cq := range c.cqs {
		if cq == nil {
			continue
		}
		cq.timer.Stop()
		c.cqs[i] = nil
	}
	c.pinIRQStatus = 0
}
