package nvme

import (
	"bytes"
	"testing"
)

func TestMapPRPSinglePageFitsInPRP1(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	segs, status := ctrl.mapPRP(0x10000, 0, 512)
	if status != StatusSuccess {
		t.Fatalf("status = %#x", status)
	}
	if len(segs) != 1 || segs[0].addr != 0x10000 || segs[0].len != 512 {
		t.Errorf("segs = %+v, want one 512-byte segment at 0x10000", segs)
	}
}

func TestMapPRPTwoPagesUsesPRP2AsDataPointer(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	// PRP1 starts at an offset mid-page so the first segment is shorter
	// than a full page; the remainder fits in the second page via PRP2.
	prp1 := uint64(0x10000 + 3072) // 1024 bytes left in this page
	segs, status := ctrl.mapPRP(prp1, 0x20000, 2048)
	if status != StatusSuccess {
		t.Fatalf("status = %#x", status)
	}
	if len(segs) != 2 {
		t.Fatalf("segs = %+v, want 2", segs)
	}
	if segs[0].len != 1024 || segs[1].addr != 0x20000 || segs[1].len != 1024 {
		t.Errorf("segs = %+v, want [1024@prp1, 1024@0x20000]", segs)
	}
}

func TestMapPRPRejectsZeroPRP1(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	if _, status := ctrl.mapPRP(0, 0, 512); status != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR", status)
	}
}

func TestMapPRPRejectsMissingPRP2WhenTransferSpansTwoPages(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	if _, status := ctrl.mapPRP(0x10000, 0, 8192); status != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR", status)
	}
}

func TestMapPRPFollowsPRPList(t *testing.T) {
	ctrl, bus, _, _ := newTestController(t)
	// Transfer spans 3 pages: PRP1 covers the first, PRP2 points at a
	// one-entry PRP list covering the remaining 2 pages.
	listAddr := uint64(0x30000)
	page2 := uint64(0x40000)
	page3 := uint64(0x50000)

	var entry [8]byte
	putLeUint64(entry[:], page2)
	bus.WriteGuest(listAddr, entry[:])
	putLeUint64(entry[:], page3)
	bus.WriteGuest(listAddr+8, entry[:])

	segs, status := ctrl.mapPRP(0x10000, listAddr, 3*4096)
	if status != StatusSuccess {
		t.Fatalf("status = %#x", status)
	}
	if len(segs) != 3 {
		t.Fatalf("segs = %+v, want 3 segments", segs)
	}
	if segs[1].addr != page2 || segs[2].addr != page3 {
		t.Errorf("segs = %+v, want list entries %#x, %#x", segs, page2, page3)
	}
}

func TestMapPRPRejectsUnalignedListEntry(t *testing.T) {
	ctrl, bus, _, _ := newTestController(t)
	listAddr := uint64(0x30000)
	var entry [8]byte
	putLeUint64(entry[:], 0x40001) // not page aligned
	bus.WriteGuest(listAddr, entry[:])

	if _, status := ctrl.mapPRP(0x10000, listAddr, 3*4096); status != StatusInvalidField|StatusDNR {
		t.Errorf("status = %#x, want InvalidField|DNR", status)
	}
}

func TestCMBRangeInsideAndOutsideBuffer(t *testing.T) {
	backend := NewMockBlockBackend(1 << 20)
	bus := NewMockBus(1 << 20)
	clock := NewFakeClock()
	params := DefaultParams(backend)
	params.CMBSizeMB = 1
	ctrl, err := NewController(bus, backend, clock, params)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	bus.SetCMB(0x80000)

	if off, ok := ctrl.cmbRange(0x80100, 256); !ok || off != 0x100 {
		t.Errorf("cmbRange in-range = %d,%v, want 0x100,true", off, ok)
	}
	if _, ok := ctrl.cmbRange(0x10000, 256); ok {
		t.Error("expected addr outside CMB base to miss")
	}
}

func TestGatherReadAndScatterWriteRoundTrip(t *testing.T) {
	ctrl, bus, _, _ := newTestController(t)
	payload := bytes.Repeat([]byte{0xAB}, 512)
	bus.WriteGuest(0x10000, payload)

	segs, status := ctrl.mapPRP(0x10000, 0, 512)
	if status != StatusSuccess {
		t.Fatalf("mapPRP status = %#x", status)
	}

	iov, err := ctrl.gatherRead(segs)
	if err != nil {
		t.Fatalf("gatherRead: %v", err)
	}
	if !bytes.Equal(iov[0], payload) {
		t.Error("gatherRead did not return the staged guest payload")
	}

	dest := ctrl.scatterWrite(segs)
	copy(dest[0], bytes.Repeat([]byte{0xCD}, 512))
	if err := ctrl.flushWrite(segs, dest); err != nil {
		t.Fatalf("flushWrite: %v", err)
	}
	if got := bus.ReadGuest(0x10000, 512); !bytes.Equal(got, bytes.Repeat([]byte{0xCD}, 512)) {
		t.Error("flushWrite did not propagate staged data back to guest memory")
	}
}
