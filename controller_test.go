package nvme

import "testing"

// newTestController wires a Controller to fresh mocks with a small,
// deterministic queue count so tests don't depend on DefaultParams.
func newTestController(t *testing.T) (*Controller, *MockBus, *MockBlockBackend, *FakeClock) {
	t.Helper()
	bus := NewMockBus(4 << 20)
	backend := NewMockBlockBackend(16 << 20)
	clock := NewFakeClock()

	params := DefaultParams(backend)
	params.NumQueues = 4

	ctrl, err := NewController(bus, backend, clock, params)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	ctrl.Attach()
	return ctrl, bus, backend, clock
}

// bootAdminQueues drives AQA/ASQ/ACQ/CC exactly as a guest driver would,
// bringing the controller to CSTS.RDY. CC.IOSQES/IOCQES are set to the
// 64/16-byte entry sizes Identify Controller advertises.
func bootAdminQueues(ctrl *Controller, asqAddr, acqAddr uint64, asqSize, acqSize uint16) {
	aqa := uint32(asqSize-1) | uint32(acqSize-1)<<16
	ctrl.WriteReg(regAQA, uint64(aqa), 4)
	ctrl.WriteReg(regASQ, asqAddr, 8)
	ctrl.WriteReg(regACQ, acqAddr, 8)
	cc := uint32(1) | uint32(6)<<ccIOSQESShift | uint32(4)<<ccIOCQESShift
	ctrl.WriteReg(regCC, uint64(cc), 4)
}

// writeSQE builds a 64-byte SQE and stages it into guest memory.
func writeSQE(bus *MockBus, addr uint64, opcode uint8, cid uint16, nsid uint32, prp1, prp2 uint64, cdw10, cdw11, cdw12, cdw13 uint32) {
	var raw [sqeSize]byte
	raw[0] = opcode
	putLeUint16(raw[2:4], cid)
	putLeUint32(raw[4:8], nsid)
	putLeUint64(raw[24:32], prp1)
	putLeUint64(raw[32:40], prp2)
	putLeUint32(raw[40:44], cdw10)
	putLeUint32(raw[44:48], cdw11)
	putLeUint32(raw[48:52], cdw12)
	putLeUint32(raw[52:56], cdw13)
	bus.WriteGuest(addr, raw[:])
}

// readCQE decodes a 16-byte completion entry out of guest memory.
func readCQE(bus *MockBus, addr uint64) CQE {
	raw := bus.ReadGuest(addr, cqeSize)
	return CQE{
		Result:  leUint32(raw[0:4]),
		SQHead:  leUint16(raw[8:10]),
		SQID:    leUint16(raw[10:12]),
		CID:     leUint16(raw[12:14]),
		StatusP: leUint16(raw[14:16]),
	}
}

// pump advances the fake clock enough times for a doorbell-triggered
// command to both dispatch and post its completion: one tick fires the
// submission queue's coalescing timer, a second fires the completion
// queue's (armed during the first tick's processing).
func pump(clock *FakeClock) {
	for i := 0; i < 3; i++ {
		clock.Advance(DoorbellCoalesceWindow)
	}
}

func statusOf(cqe CQE) StatusCode { return StatusCode(cqe.StatusP >> 1) }
func phaseOf(cqe CQE) uint16      { return cqe.StatusP & 1 }

func TestNewControllerRejectsNilCollaborators(t *testing.T) {
	backend := NewMockBlockBackend(1 << 20)
	bus := NewMockBus(1 << 16)
	clock := NewFakeClock()
	params := DefaultParams(backend)

	if _, err := NewController(nil, backend, clock, params); err == nil {
		t.Error("expected error for nil bus")
	}
	if _, err := NewController(bus, nil, clock, params); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := NewController(bus, backend, nil, params); err == nil {
		t.Error("expected error for nil clock")
	}
}

func TestNewControllerAppliesDefaultsForZeroFields(t *testing.T) {
	backend := NewMockBlockBackend(1 << 20)
	bus := NewMockBus(1 << 16)
	clock := NewFakeClock()

	ctrl, err := NewController(bus, backend, clock, Params{})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	want := DefaultParams(backend).NumQueues + 1
	if len(ctrl.sqs) != want || len(ctrl.cqs) != want {
		t.Errorf("sqs/cqs len = %d/%d, want %d", len(ctrl.sqs), len(ctrl.cqs), want)
	}
}

func TestResetTearsDownQueuesAndClearsRegisters(t *testing.T) {
	ctrl, bus, _, _ := newTestController(t)
	_ = bus
	bootAdminQueues(ctrl, 0x1000, 0x2000, 4, 4)

	if snap := ctrl.Snapshot(); snap.CSTS&cstsRDY == 0 {
		t.Fatal("expected controller to be ready before Reset")
	}

	ctrl.Reset()
	snap := ctrl.Snapshot()
	if snap.CC != 0 || snap.CSTS != 0 {
		t.Errorf("CC/CSTS after Reset = %#x/%#x, want 0/0", snap.CC, snap.CSTS)
	}
	if snap.NumSQs != 0 || snap.NumCQs != 0 {
		t.Errorf("queues survived Reset: sqs=%d cqs=%d", snap.NumSQs, snap.NumCQs)
	}
}

func TestSnapshotReportsNamespaceAndMetrics(t *testing.T) {
	ctrl, _, backend, _ := newTestController(t)
	snap := ctrl.Snapshot()
	if snap.NamespaceLBAs != uint64(backend.Size())/512 {
		t.Errorf("NamespaceLBAs = %d, want %d", snap.NamespaceLBAs, backend.Size()/512)
	}
	if snap.Metrics.TotalOps != 0 {
		t.Errorf("Metrics.TotalOps = %d, want 0 on a fresh controller", snap.Metrics.TotalOps)
	}
}

func TestMetricsAccessorReturnsLiveCounters(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	m := ctrl.Metrics()
	m.RecordRead(512, 1000, true)
	if ctrl.Snapshot().Metrics.TotalOps != 1 {
		t.Error("expected Snapshot to reflect Metrics() mutations")
	}
}
