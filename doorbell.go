package nvme

// handleDoorbellWrite decodes a write into the doorbell region (offset
// 0x1000, stride 8: SQ tail at even multiples, CQ head at odd multiples
// of 4 bytes within each stride) and arms the owning queue's coalescing
// timer rather than draining synchronously, so a burst of doorbell
// writes in the same window collapses into one drain pass.
func (c *Controller) handleDoorbellWrite(offset uint64, value uint32) {
	rel := offset - regDoorbellBase
	qid := uint16(rel / regDoorbellStride)
	isCQHead := (rel%regDoorbellStride)/4 == 1

	if isCQHead {
		c.handleCQHeadDoorbell(qid, uint16(value))
		return
	}
	c.handleSQTailDoorbell(qid, uint16(value))
}

func (c *Controller) handleSQTailDoorbell(qid uint16, tail uint16) {
	if int(qid) >= len(c.sqs) || c.sqs[qid] == nil {
		c.logger.Warn("doorbell write to unknown SQ", "qid", qid)
		return
	}
	sq := c.sqs[qid]
	if tail >= sq.size {
		c.logger.Warn("invalid SQ tail doorbell value", "qid", qid, "tail", tail)
		return
	}
	sq.tail = tail
	sq.timer.Reset(DoorbellCoalesceWindow)
}

func (c *Controller) handleCQHeadDoorbell(qid uint16, head uint16) {
	if int(qid) >= len(c.cqs) || c.cqs[qid] == nil {
		c.logger.Warn("doorbell write to unknown CQ", "qid", qid)
		return
	}
	cq := c.cqs[qid]
	if head >= cq.size {
		c.logger.Warn("invalid CQ head doorbell value", "qid", qid, "head", head)
		return
	}
	wasFull := cq.full()
	cq.head = head
	if cq.tail == cq.head {
		c.deassertCQIRQ(cq)
	}

	if wasFull {
		// The CQ was full, so completions may be backed up and SQs may have
		// stalled for lack of room; rearm its own coalescing timer and every
		// SQ bound to it so the drain happens through the normal
		// Clock-driven path rather than inline here.
		cq.timer.Reset(DoorbellCoalesceWindow)
		for _, sq := range cq.sqs {
			sq.timer.Reset(DoorbellCoalesceWindow)
		}
	}
}
