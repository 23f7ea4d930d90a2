package nvme

// prpSegment is one contiguous guest-physical range contributed by a PRP
// entry or PRP list pointer, already clipped to a page boundary.
type prpSegment struct {
	addr uint64
	len  uint32
}

// mapPRP resolves PRP1/PRP2 into the ordered list of guest-physical
// segments backing a transfer of length bytes, following the same entry
// and list-pointer rules QEMU's nvme_map_prp implements: PRP1 may be a
// sub-page offset only for the first page of the transfer, every
// subsequent pointer must be page-aligned, and PRP2 is either the second
// (and last) data pointer when the transfer fits in two pages, or a
// pointer to a list of further PRP entries otherwise.
func (c *Controller) mapPRP(prp1, prp2 uint64, length uint32) ([]prpSegment, StatusCode) {
	if prp1 == 0 {
		return nil, StatusInvalidField | StatusDNR
	}
	if uint64(length) > uint64(c.params.MaxIOSize) {
		return nil, StatusInvalidField | StatusDNR
	}

	pageSize := c.pageSize
	pageMask := uint64(pageSize - 1)

	firstLen := uint32(pageSize) - uint32(prp1&pageMask)
	if firstLen > length {
		firstLen = length
	}
	segs := []prpSegment{{addr: prp1, len: firstLen}}
	remaining := length - firstLen
	if remaining == 0 {
		return segs, StatusSuccess
	}

	if prp2 == 0 {
		return nil, StatusInvalidField | StatusDNR
	}

	// Transfer fits entirely in two pages: PRP2 is the second data pointer.
	if remaining <= uint32(pageSize) {
		if prp2&pageMask != 0 {
			return nil, StatusInvalidField | StatusDNR
		}
		segs = append(segs, prpSegment{addr: prp2, len: remaining})
		return segs, StatusSuccess
	}

	// PRP2 points at a list of further 8-byte PRP entries, one page at a
	// time, with the final entry of a full list page chaining to the next
	// list page when more entries remain.
	listAddr := prp2
	for remaining > 0 {
		entriesPerPage := pageSize / 8
		list := make([]uint64, entriesPerPage)
		raw := make([]byte, pageSize)
		if err := c.bus.DMARead(listAddr, raw); err != nil {
			return nil, StatusInvalidField | StatusDNR
		}
		for i := uint32(0); i < entriesPerPage; i++ {
			list[i] = leUint64(raw[i*8 : i*8+8])
		}

		for i := uint32(0); i < entriesPerPage && remaining > 0; i++ {
			entry := list[i]
			last := i == entriesPerPage-1
			if last && remaining > uint32(pageSize) {
				// Chain to the next list page.
				listAddr = entry
				break
			}
			if entry == 0 || entry&pageMask != 0 {
				return nil, StatusInvalidField | StatusDNR
			}
			segLen := uint32(pageSize)
			if segLen > remaining {
				segLen = remaining
			}
			segs = append(segs, prpSegment{addr: entry, len: segLen})
			remaining -= segLen
		}
	}

	return segs, StatusSuccess
}

// cmbRange reports whether addr falls inside the controller's Memory
// Buffer and, if so, the byte offset into c.cmb.
func (c *Controller) cmbRange(addr uint64, length uint32) (offset int, ok bool) {
	base, present := c.bus.CMBGuestBase()
	if !present || len(c.cmb) == 0 {
		return 0, false
	}
	if addr < base || addr+uint64(length) > base+uint64(len(c.cmb)) {
		return 0, false
	}
	return int(addr - base), true
}

// gatherRead materializes segs into contiguous host buffers suitable for
// handing to the BlockBackend, copying out of the CMB directly where a
// segment lives there and staging through a fresh buffer read over the
// bus otherwise.
func (c *Controller) gatherRead(segs []prpSegment) ([][]byte, error) {
	iov := make([][]byte, len(segs))
	for i, seg := range segs {
		if off, ok := c.cmbRange(seg.addr, seg.len); ok {
			iov[i] = c.cmb[off : off+int(seg.len)]
			continue
		}
		buf := make([]byte, seg.len)
		if err := c.bus.DMARead(seg.addr, buf); err != nil {
			return nil, err
		}
		iov[i] = buf
	}
	return iov, nil
}

// scatterWrite allocates staging buffers for an inbound (device-to-host)
// transfer; the caller later copies backend output into them and then
// calls flushWrite to push non-CMB segments back over the bus.
func (c *Controller) scatterWrite(segs []prpSegment) [][]byte {
	iov := make([][]byte, len(segs))
	for i, seg := range segs {
		if off, ok := c.cmbRange(seg.addr, seg.len); ok {
			iov[i] = c.cmb[off : off+int(seg.len)]
			continue
		}
		iov[i] = make([]byte, seg.len)
	}
	return iov
}

// flushWrite copies staged buffers back to guest memory for every segment
// that was not satisfied directly out of the CMB.
func (c *Controller) flushWrite(segs []prpSegment, iov [][]byte) error {
	for i, seg := range segs {
		if _, ok := c.cmbRange(seg.addr, seg.len); ok {
			continue
		}
		if err := c.bus.DMAWrite(seg.addr, iov[i]); err != nil {
			return err
		}
	}
	return nil
}
