package nvme

// completeRequest moves req off its submission queue's in-flight list and
// onto its completion queue's pending list, then arms (or re-arms) the
// completion queue's coalescing timer so a burst of completions in the
// same window is posted as a single drain pass rather than one DMA write
// and one interrupt per command.
func (c *Controller) completeRequest(req *Request, status StatusCode) {
	sq := req.sq
	sq.live.remove(req)

	req.cqe.SQID = sq.qid
	req.cqe.SQHead = sq.head

	cq := c.cqs[sq.cqid]
	cq.pending.pushBack(req)
	req.cqe.StatusP = uint16(status) // phase folded in at encode time

	c.observeCompletion(req, status)
	cq.timer.Reset(DoorbellCoalesceWindow)
}

// postCQEs drains as many pending completions as the ring has room for,
// writes them into guest memory, flips the phase bit on wraparound, and
// signals the guest once if anything was posted (mirrors
// nvme_post_cqes/nvme_enqueue_req_completion).
func (c *Controller) postCQEs(cq *CompletionQueue) {
	posted := false
	for !cq.pending.empty() && !cq.full() {
		req := cq.pending.popFront()

		raw := encodeCQE(&req.cqe, cq.phase, StatusCode(req.cqe.StatusP))
		addr := cq.dmaAddr + uint64(cq.tail)*uint64(cq.entrySize)
		if err := c.bus.DMAWrite(addr, raw); err != nil {
			c.logger.Warn("cq write fault", "qid", cq.qid, "addr", addr, "err", err)
			cq.pending.pushFront(req)
			break
		}

		cq.tail++
		if cq.tail == cq.size {
			cq.tail = 0
			cq.phase ^= 1
		}

		req.sq.free.pushBack(req)
		posted = true
	}

	if !cq.pending.empty() {
		// CQ is full; the remaining pending completions will post once the
		// guest advances its CQ head doorbell and start_sqs is retried.
		c.logger.Debug("cq full, deferring remaining completions", "qid", cq.qid, "pending", cq.pending.count)
	}

	if posted {
		c.signalCQ(cq)
	}

	// Re-drive any submission queues that stalled on an exhausted free list.
	for _, sq := range cq.sqs {
		c.processSQ(sq)
	}
}

// pinIRQBit returns cq's bit position within pinIRQStatus. The mask is
// only 64 bits wide, so queue ids wrap modulo 64 rather than overflow
// silently out of a shift.
func pinIRQBit(qid uint16) uint64 {
	return 1 << (uint64(qid) % 64)
}

// signalCQ raises the configured interrupt for cq: an MSI-X message if
// the guest has enabled MSI-X on the function, otherwise the shared
// legacy pin interrupt, subject to INTMS/INTMC masking.
func (c *Controller) signalCQ(cq *CompletionQueue) {
	if !cq.irqEnabled {
		return
	}
	if c.bus.MSIXEnabled() {
		c.bus.NotifyMSIX(cq.vector)
		return
	}
	c.pinIRQStatus |= pinIRQBit(cq.qid)
	c.reevaluatePinIRQ()
}

// deassertCQIRQ is called when the guest's CQ head doorbell write
// acknowledges completions, dropping cq's bit from the pin-IRQ status
// mask and re-evaluating the shared pin interrupt.
func (c *Controller) deassertCQIRQ(cq *CompletionQueue) {
	if !cq.irqEnabled || c.bus.MSIXEnabled() {
		return
	}
	c.pinIRQStatus &^= pinIRQBit(cq.qid)
	c.reevaluatePinIRQ()
}

// reevaluatePinIRQ asserts the shared pin interrupt if any completion
// queue has an unmasked bit set in pinIRQStatus, and deasserts it
// otherwise; called both when the status mask changes and when the
// guest writes INTMS/INTMC.
func (c *Controller) reevaluatePinIRQ() {
	if c.bus.MSIXEnabled() {
		return
	}
	if c.pinIRQStatus&^uint64(c.intms) != 0 {
		c.bus.AssertIRQ()
	} else {
		c.bus.DeassertIRQ()
	}
}

// observeCompletion reports the just-finished command to the configured
// Observer, classified by opcode.
func (c *Controller) observeCompletion(req *Request, status StatusCode) {
	if c.observer == nil {
		return
	}
	latencyNs := (c.clock.NowMillis() - req.submitMillis) * uint64(Millisecond)
	success := status&^StatusDNR == StatusSuccess

	if req.admin {
		c.observer.ObserveAdmin(latencyNs, success)
		return
	}
	switch req.opcode {
	case opIORead:
		c.observer.ObserveRead(req.xferBytes, latencyNs, success)
	case opIOWrite:
		c.observer.ObserveWrite(req.xferBytes, latencyNs, success)
	case opIOFlush:
		c.observer.ObserveFlush(latencyNs, success)
	}
}

// pushFront re-inserts a request at the head of the list; used only to
// put a completion back after a failed DMA write so it is retried first
// on the next drain pass.
func (l *reqList) pushFront(r *Request) {
	r.prev, r.next = nil, l.head
	if l.head != nil {
		l.head.prev = r
	} else {
		l.tail = r
	}
	l.head = r
	l.count++
}
