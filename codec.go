package nvme

import (
	"bytes"
	"encoding/binary"
)

// marshalStruct serializes a fixed-layout wire struct field-by-field, the
// same way the reference Identify/SMART decoder reads one back with
// binary.Read: declaration order defines wire order, so struct padding
// never leaks into the result. The buffer is padded (or truncated) to
// size, which callers pass as the structure's defined wire length.
func marshalStruct(v any, size int) []byte {
	var buf bytes.Buffer
	buf.Grow(size)
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic("nvme: marshalStruct: " + err.Error())
	}
	out := buf.Bytes()
	if len(out) >= size {
		return out[:size]
	}
	padded := make([]byte, size)
	copy(padded, out)
	return padded
}

func leUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putLeUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLeUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLeUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// encodeCQE serializes a CQE to its 16-byte wire form, folding the phase
// bit (bit 0) and status code (bits 1-15) into the StatusP word.
func encodeCQE(cqe *CQE, phase uint16, status StatusCode) []byte {
	var raw [cqeSize]byte
	putLeUint32(raw[0:4], cqe.Result)
	putLeUint32(raw[4:8], cqe.Rsvd)
	putLeUint16(raw[8:10], cqe.SQHead)
	putLeUint16(raw[10:12], cqe.SQID)
	putLeUint16(raw[12:14], cqe.CID)
	putLeUint16(raw[14:16], (uint16(status)<<1)|(phase&1))
	return raw[:]
}
