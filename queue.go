package nvme

// Request is a preallocated command slot. Requests are never heap
// allocated per-command: each SubmissionQueue preallocates size of them at
// creation and they circulate between its free list, its in-flight list,
// and the owning CompletionQueue's pending list for the rest of the
// queue's lifetime, linked by the intrusive next/prev pointers below
// rather than by index, since Go gives us safe pointers into a
// preallocated slice at no extra allocation cost.
type Request struct {
	sq  *SubmissionQueue
	cqe CQE

	handle  IOHandle
	segs    []prpSegment
	staging [][]byte

	opcode       uint8
	admin        bool
	xferBytes    uint64
	submitMillis uint64

	next, prev *Request
}

// reqList is an intrusive doubly linked list of *Request. A Request is a
// member of at most one reqList at any time.
type reqList struct {
	head, tail *Request
	count      int
}

func (l *reqList) empty() bool { return l.head == nil }

func (l *reqList) pushBack(r *Request) {
	r.next, r.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = r
	} else {
		l.head = r
	}
	l.tail = r
	l.count++
}

func (l *reqList) popFront() *Request {
	r := l.head
	if r == nil {
		return nil
	}
	l.remove(r)
	return r
}

// remove detaches r from l. r must currently be a member of l.
func (l *reqList) remove(r *Request) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		l.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else {
		l.tail = r.prev
	}
	r.next, r.prev = nil, nil
	l.count--
}

// SubmissionQueue is a guest-visible producer/controller-consumer queue of
// commands.
type SubmissionQueue struct {
	qid       uint16
	cqid      uint16
	dmaAddr   uint64
	size      uint16 // capacity, entries
	entrySize uint16 // 1 << CC.IOSQES for I/O queues; sqeSize for the admin SQ
	head      uint16
	tail      uint16

	slots []Request
	free  reqList
	live  reqList // in-flight: dispatched, awaiting completion

	timer Timer
	ctrl  *Controller
}

func (sq *SubmissionQueue) empty() bool { return sq.head == sq.tail }

// CompletionQueue is a controller-producer/guest-consumer queue of
// completion entries.
type CompletionQueue struct {
	qid       uint16
	dmaAddr   uint64
	size      uint16
	entrySize uint16 // 1 << CC.IOCQES for I/O queues; cqeSize for the admin CQ
	head      uint16
	tail      uint16
	phase     uint16 // 0 or 1

	vector     uint16
	irqEnabled bool

	sqs     map[uint16]*SubmissionQueue
	pending reqList

	timer Timer
	ctrl  *Controller
}

func (cq *CompletionQueue) full() bool {
	return (cq.tail+1)%cq.size == cq.head
}

// newAdminQueues instantiates cq[0]/sq[0] during the enable sequence.
// Admin queues are owned directly by the controller and torn down by the
// clear sequence, not by Delete I/O SQ/CQ commands.
func (c *Controller) newAdminQueues(asqAddr, acqAddr uint64, asqSize, acqSize uint16) {
	cq := c.newCompletionQueue(0, acqAddr, acqSize, cqeSize, 0, true)
	sq := c.newSubmissionQueue(0, 0, asqAddr, asqSize, sqeSize)
	c.cqs[0] = cq
	c.sqs[0] = sq
}

func (c *Controller) newSubmissionQueue(qid uint16, cqid uint16, dmaAddr uint64, size uint16, entrySize uint16) *SubmissionQueue {
	sq := &SubmissionQueue{
		qid:       qid,
		cqid:      cqid,
		dmaAddr:   dmaAddr,
		size:      size,
		entrySize: entrySize,
		slots:     make([]Request, size),
		ctrl:      c,
	}
	for i := range sq.slots {
		sq.slots[i].sq = sq
		sq.free.pushBack(&sq.slots[i])
	}
	sq.timer = c.clock.AfterFunc(0, func() { c.processSQ(sq) })
	sq.timer.Stop()
	return sq
}

func (c *Controller) newCompletionQueue(qid uint16, dmaAddr uint64, size uint16, entrySize uint16, vector uint16, irqEnabled bool) *CompletionQueue {
	cq := &CompletionQueue{
		qid:        qid,
		dmaAddr:    dmaAddr,
		size:       size,
		entrySize:  entrySize,
		phase:      1,
		vector:     vector,
		irqEnabled: irqEnabled,
		sqs:        make(map[uint16]*SubmissionQueue),
		ctrl:       c,
	}
	cq.timer = c.clock.AfterFunc(0, func() { c.postCQEs(cq) })
	cq.timer.Stop()
	return cq
}

// createIOSQ implements Create I/O Submission Queue (§4.3).
func (c *Controller) createIOSQ(sqid, cqid uint16, size uint16, prp1 uint64, physContig bool) StatusCode {
	if int(cqid) >= len(c.cqs) || c.cqs[cqid] == nil {
		return StatusInvalidCQID | StatusDNR
	}
	if int(sqid) >= len(c.sqs) || c.sqs[sqid] != nil {
		return StatusInvalidSQID | StatusDNR
	}
	if size == 0 || uint32(size) > capMQES+1 {
		return StatusMaxQsizeExceeded | StatusDNR
	}
	if prp1 == 0 || prp1%uint64(c.pageSize) != 0 {
		return StatusInvalidField | StatusDNR
	}
	if !physContig {
		return StatusInvalidField | StatusDNR
	}

	sq := c.newSubmissionQueue(sqid, cqid, prp1, size, c.ioSQEntrySize)
	c.sqs[sqid] = sq
	c.cqs[cqid].sqs[sqid] = sq
	return StatusSuccess
}

// createIOCQ implements Create I/O Completion Queue (§4.3).
func (c *Controller) createIOCQ(cqid uint16, size uint16, prp1 uint64, vector uint16, irqEnabled, physContig bool) StatusCode {
	if int(cqid) >= len(c.cqs) || c.cqs[cqid] != nil {
		return StatusInvalidCQID | StatusDNR
	}
	if size == 0 || uint32(size) > capMQES+1 {
		return StatusMaxQsizeExceeded | StatusDNR
	}
	if prp1 == 0 {
		return StatusInvalidField | StatusDNR
	}
	if int(vector) > c.params.NumQueues {
		return StatusInvalidIRQVector | StatusDNR
	}
	if !physContig {
		return StatusInvalidField | StatusDNR
	}

	cq := c.newCompletionQueue(cqid, prp1, size, c.ioCQEntrySize, vector, irqEnabled)
	c.cqs[cqid] = cq
	return StatusSuccess
}

// deleteIOSQ implements Delete I/O Submission Queue (§4.3).
func (c *Controller) deleteIOSQ(sqid uint16) StatusCode {
	if sqid == 0 || int(sqid) >= len(c.sqs) || c.sqs[sqid] == nil {
		return StatusInvalidSQID | StatusDNR
	}
	sq := c.sqs[sqid]

	for r := sq.live.head; r != nil; {
		next := r.next
		c.backend.Cancel(r.handle)
		sq.live.remove(r)
		sq.free.pushBack(r)
		r = next
	}

	cq := c.cqs[sq.cqid]
	for r := cq.pending.head; r != nil; {
		next := r.next
		if r.sq == sq {
			cq.pending.remove(r)
			sq.free.pushBack(r)
		}
		r = next
	}

	sq.timer.Stop()
	delete(cq.sqs, sqid)
	c.sqs[sqid] = nil
	return StatusSuccess
}

// deleteIOCQ implements Delete I/O Completion Queue (§4.3).
func (c *Controller) deleteIOCQ(cqid uint16) StatusCode {
	if cqid == 0 || int(cqid) >= len(c.cqs) || c.cqs[cqid] == nil {
		return StatusInvalidCQID | StatusDNR
	}
	cq := c.cqs[cqid]
	if len(cq.sqs) != 0 {
		return StatusInvalidQueueDel | StatusDNR
	}

	cq.timer.Stop()
	if cq.irqEnabled {
		c.deassertCQIRQ(cq)
	}
	c.cqs[cqid] = nil
	return StatusSuccess
}

// processSQ drains as much of sq as it can: while non-empty and a free
// slot exists, read one SQE, dispatch it, and either complete it
// synchronously or leave it in-flight for the backend callback (§4.6).
func (c *Controller) processSQ(sq *SubmissionQueue) {
	for !sq.empty() && !sq.free.empty() {
		var raw [sqeSize]byte
		addr := sq.dmaAddr + uint64(sq.head)*uint64(sq.entrySize)
		if err := c.bus.DMARead(addr, raw[:]); err != nil {
			c.logger.Warn("sq read fault", "qid", sq.qid, "addr", addr, "err", err)
			return
		}
		sqe := decodeSQE(raw[:])
		sq.head = (sq.head + 1) % sq.size

		req := sq.free.popFront()
		req.cqe = CQE{}
		req.cqe.CID = sqe.CID
		req.opcode = sqe.Opcode()
		req.admin = sq.qid == 0
		req.xferBytes = 0
		req.submitMillis = c.clock.NowMillis()
		sq.live.pushBack(req)

		var status StatusCode
		if req.admin {
			status = c.dispatchAdmin(req, &sqe)
		} else {
			status = c.dispatchIO(req, &sqe)
		}
		if status != statusNoComplete {
			c.completeRequest(req, status)
		}
	}
}

// statusNoComplete is a sentinel, not a wire status code: it tells
// processSQ the command is outstanding asynchronously and the backend
// callback will post its completion.
const statusNoComplete StatusCode = 0xFFFF

func decodeSQE(raw []byte) SQE {
	return SQE{
		OpcodeFuseRsvd: raw[0],
		Flags:          raw[1],
		CID:            leUint16(raw[2:4]),
		NSID:           leUint32(raw[4:8]),
		CDW2:           leUint32(raw[8:12]),
		CDW3:           leUint32(raw[12:16]),
		MPTR:           leUint64(raw[16:24]),
		PRP1:           leUint64(raw[24:32]),
		PRP2:           leUint64(raw[32:40]),
		CDW10:          leUint32(raw[40:44]),
		CDW11:          leUint32(raw[44:48]),
		CDW12:          leUint32(raw[48:52]),
		CDW13:          leUint32(raw[52:56]),
		CDW14:          leUint32(raw[56:60]),
		CDW15:          leUint32(raw[60:64]),
	}
}
