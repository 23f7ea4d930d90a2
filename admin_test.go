package nvme

import (
	"bytes"
	"testing"
)

func submitAdmin(t *testing.T, ctrl *Controller, bus *MockBus, clock *FakeClock, asqAddr, acqAddr uint64, slot int, opcode uint8, cid uint16, nsid uint32, prp1, prp2 uint64, cdw10, cdw11, cdw12, cdw13 uint32) CQE {
	t.Helper()
	addr := asqAddr + uint64(slot)*sqeSize
	writeSQE(bus, addr, opcode, cid, nsid, prp1, prp2, cdw10, cdw11, cdw12, cdw13)
	ctrl.WriteReg(regDoorbellBase, uint64(slot+1), 4)
	pump(clock)
	return readCQE(bus, acqAddr+uint64(slot)*cqeSize)
}

func TestAdminIdentifyControllerRoundTrip(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)
	ctrl.params.SerialNumber = "SN12345"
	ctrl.params.ModelNumber = "MODELX"

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminIdentify, 1, 0, 0x10000, 0, uint32(cnsController), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("status = %#x", statusOf(cqe))
	}

	data := bus.ReadGuest(0x10000, identifyControllerSize)
	if !bytes.HasPrefix(bytes.TrimRight(data[4:24], " "), []byte("SN12345")) {
		t.Errorf("SN field = %q, want prefix SN12345", data[4:24])
	}
	if !bytes.HasPrefix(bytes.TrimRight(data[24:64], " "), []byte("MODELX")) {
		t.Errorf("MN field = %q, want prefix MODELX", data[24:64])
	}
}

func TestAdminIdentifyNamespace(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminIdentify, 1, 1, 0x10000, 0, uint32(cnsNamespace), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("status = %#x", statusOf(cqe))
	}
	data := bus.ReadGuest(0x10000, identifyNamespaceSize)
	nsze := leUint64(data[0:8])
	if nsze == 0 {
		t.Error("expected non-zero NSZE in Identify Namespace response")
	}
}

func TestAdminIdentifyNamespaceRejectsWrongNSID(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminIdentify, 1, 2, 0x10000, 0, uint32(cnsNamespace), 0, 0, 0)
	if statusOf(cqe) != StatusInvalidNSID|StatusDNR {
		t.Errorf("status = %#x, want InvalidNSID|DNR", statusOf(cqe))
	}
}

func TestAdminIdentifyRejectsUnknownCNS(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminIdentify, 1, 0, 0x10000, 0, 0x7F, 0, 0, 0)
	if statusOf(cqe) != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR", statusOf(cqe))
	}
}

func TestAdminGetLogPageSmartHealth(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	numDw := uint32(smartLogSize/4 - 1)
	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetLogPage, 1, 1, 0x10000, 0, uint32(logSmartHealth)|numDw<<16, 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("status = %#x", statusOf(cqe))
	}
}

func TestAdminGetLogPageRejectsUnknownLID(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetLogPage, 1, 1, 0x10000, 0, 0x7F, 0, 0, 0)
	if statusOf(cqe) != StatusInvalidLogID|StatusDNR {
		t.Errorf("status = %#x, want InvalidLogID|DNR", statusOf(cqe))
	}
}

func TestAdminGetFeaturesNumberOfQueues(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetFeatures, 1, 0, 0, 0, uint32(featNumberOfQueues), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("status = %#x", statusOf(cqe))
	}
	want := uint32(ctrl.params.NumQueues-1) | uint32(ctrl.params.NumQueues-1)<<16
	if cqe.Result != want {
		t.Errorf("Result = %#x, want %#x", cqe.Result, want)
	}
}

func TestAdminGetFeaturesVolatileWriteCache(t *testing.T) {
	ctrl, bus, backend, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)
	backend.SetWriteCacheEnabled(true)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetFeatures, 1, 0, 0, 0, uint32(featVolatileWriteCache), 0, 0, 0)
	if cqe.Result != 1 {
		t.Errorf("Result = %d, want 1 (VWC enabled)", cqe.Result)
	}
}

func TestAdminGetFeaturesRejectsUnknownFID(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetFeatures, 1, 0, 0, 0, 0x7F, 0, 0, 0)
	if statusOf(cqe) != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR", statusOf(cqe))
	}
}

func TestAdminSetFeaturesAcceptsKnownFeatures(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminSetFeatures, 1, 0, 0, 0, uint32(featNumberOfQueues), 8, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Errorf("status = %#x, want success", statusOf(cqe))
	}
}

func TestAdminSetFeaturesRejectsUnknownFID(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminSetFeatures, 2, 0, 0, 0, 0x7F, 0, 0, 0)
	if statusOf(cqe) != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR for an unrecognized feature id", statusOf(cqe))
	}
}

func TestAdminTimestampSetGetRoundTrip(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	hostValue := uint64(1_700_000_000_000) & timestampMask
	var payload [8]byte
	putLeUint64(payload[:], hostValue)
	bus.WriteGuest(0x30000, payload[:6])

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminSetFeatures, 1, 0, 0x30000, 0, uint32(featTimestamp), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("set timestamp status = %#x", statusOf(cqe))
	}

	clock.Advance(25 * Millisecond)

	cqe = submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 1, opAdminGetFeatures, 2, 0, 0x40000, 0, uint32(featTimestamp), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("get timestamp status = %#x", statusOf(cqe))
	}
	if cqe.Result&1 == 0 {
		t.Error("expected origin bit set after a host value has been installed")
	}

	got := leUint64(bus.ReadGuest(0x40000, 8)) & timestampMask
	want := (hostValue + 25) & timestampMask
	if got != want {
		t.Errorf("timestamp = %d, want %d", got, want)
	}
}

func TestAdminTimestampGetBeforeSetHasOriginBitClear(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminGetFeatures, 1, 0, 0x40000, 0, uint32(featTimestamp), 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("status = %#x", statusOf(cqe))
	}
	if cqe.Result&1 != 0 {
		t.Error("expected origin bit clear before any host value has been installed")
	}
}

func TestDispatchAdminRejectsUnsupportedOpcode(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, 0xFF, 1, 0, 0, 0, 0, 0, 0, 0)
	if statusOf(cqe) != StatusInvalidOpcode|StatusDNR {
		t.Errorf("status = %#x, want InvalidOpcode|DNR", statusOf(cqe))
	}
}

func TestAdminCreateAndDeleteIOQueuesViaDispatch(t *testing.T) {
	ctrl, bus, _, clock := newTestController(t)
	bootAdminQueues(ctrl, 0x1000, 0x2000, 16, 16)

	// Create I/O CQ 1, size 8 (cdw10 qsize-1 in bits 31:16), IEN set.
	cqCdw10 := uint32(1) | uint32(7)<<16
	cqCdw11 := uint32(1) | uint32(2) // PC=1, IEN=1
	cqe := submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 0, opAdminCreateIOCQ, 1, 0, 0x5000, 0, cqCdw10, cqCdw11, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("create IOCQ status = %#x", statusOf(cqe))
	}

	sqCdw10 := uint32(1) | uint32(7)<<16
	sqCdw11 := uint32(1) | uint32(1)<<16 // PC=1, CQID=1
	cqe = submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 1, opAdminCreateIOSQ, 2, 0, 0x6000, 0, sqCdw10, sqCdw11, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("create IOSQ status = %#x", statusOf(cqe))
	}

	cqe = submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 2, opAdminDeleteIOSQ, 3, 0, 0, 0, 1, 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("delete IOSQ status = %#x", statusOf(cqe))
	}
	cqe = submitAdmin(t, ctrl, bus, clock, 0x1000, 0x2000, 3, opAdminDeleteIOCQ, 4, 0, 0, 0, 1, 0, 0, 0)
	if statusOf(cqe) != StatusSuccess {
		t.Fatalf("delete IOCQ status = %#x", statusOf(cqe))
	}
}
