package nvme

import "testing"

func TestNamespaceByteRangeComputesOffsetAndLength(t *testing.T) {
	ns := newNamespace(1<<20, 512)
	off, length, status := ns.byteRange(10, 3) // 0's based NLB: 4 blocks
	if status != StatusSuccess {
		t.Fatalf("status = %#x", status)
	}
	if off != 10*512 || length != 4*512 {
		t.Errorf("off/length = %d/%d, want %d/%d", off, length, 10*512, 4*512)
	}
}

func TestNamespaceByteRangeRejectsOutOfBounds(t *testing.T) {
	ns := newNamespace(4096, 512) // 8 blocks total
	if _, _, status := ns.byteRange(6, 3); status != StatusLBARange|StatusDNR {
		t.Errorf("status = %#x, want LBARange|DNR", status)
	}
}

func TestNamespaceIdentifyReportsGeometry(t *testing.T) {
	ns := newNamespace(1<<20, 512)
	in := ns.identify()
	if in.NSZE != ns.sizeBlocks || in.NCAP != ns.sizeBlocks {
		t.Errorf("NSZE/NCAP = %d/%d, want %d", in.NSZE, in.NCAP, ns.sizeBlocks)
	}
	if in.LBAF[0].DS != 9 {
		t.Errorf("LBAF[0].DS = %d, want 9 (512-byte blocks)", in.LBAF[0].DS)
	}
}

func TestIdentifyControllerReflectsWriteCache(t *testing.T) {
	ctrl, _, backend, _ := newTestController(t)
	backend.SetWriteCacheEnabled(true)

	ic := ctrl.identifyController()
	if ic.VWC != 1 {
		t.Errorf("VWC = %d, want 1", ic.VWC)
	}
	if ic.NN != 1 {
		t.Errorf("NN = %d, want 1", ic.NN)
	}
	if ic.SQES != 0x66 || ic.CQES != 0x44 {
		t.Errorf("SQES/CQES = %#x/%#x, want 0x66/0x44", ic.SQES, ic.CQES)
	}
}

func TestPadASCIIPadsWithSpacesAndTruncates(t *testing.T) {
	got := padASCII("abc", 6)
	if string(got) != "abc   " {
		t.Errorf("padASCII short = %q, want %q", got, "abc   ")
	}
	got = padASCII("abcdefgh", 4)
	if string(got) != "abcd" {
		t.Errorf("padASCII long = %q, want truncated to %q", got, "abcd")
	}
}
