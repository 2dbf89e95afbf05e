// Package egfx implements the RDP Graphics Pipeline Extension (MS-RDPEGFX)
// dynamic-virtual-channel bridge: the ZGFX bulk-compression framing, the
// per-connection state machine, and the H.264-over-EGFX frame submission
// contract described in spec.md §4.3.
package egfx

import "encoding/binary"

const (
	// maxSegmentData is the largest number of data bytes ZGFX allows in a
	// single segment. Decoders allocate a fixed 65536-byte output buffer
	// per segment; exceeding this crashes decoding (spec.md §4.3).
	maxSegmentData = 65534

	zgfxSingleHeader   = 0xE0
	zgfxMultipartHeader = 0xE1
	zgfxUncompressed   = 0x04
)

// WrapZGFX frames a concatenated PDU buffer per MS-RDPEGFX §2.2.2, as
// described in spec.md §4.3 "ZGFX framing of outbound messages".
func WrapZGFX(b []byte) []byte {
	if len(b) <= maxSegmentData {
		out := make([]byte, 0, len(b)+2)
		out = append(out, zgfxSingleHeader, zgfxUncompressed)
		out = append(out, b...)
		return out
	}
	return wrapMultipart(b)
}

func wrapMultipart(b []byte) []byte {
	segCount := (len(b) + maxSegmentData - 1) / maxSegmentData

	out := make([]byte, 0, len(b)+segCount*5+7)
	out = append(out, zgfxMultipartHeader)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(segCount))
	out = append(out, u16[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(b)))
	out = append(out, u32[:]...)

	for offset := 0; offset < len(b); offset += maxSegmentData {
		end := offset + maxSegmentData
		if end > len(b) {
			end = len(b)
		}
		chunk := b[offset:end]

		segSize := uint32(len(chunk) + 1) // +1 for the 0x04 flag byte
		binary.LittleEndian.PutUint32(u32[:], segSize)
		out = append(out, u32[:]...)
		out = append(out, zgfxUncompressed)
		out = append(out, chunk...)
	}
	return out
}
