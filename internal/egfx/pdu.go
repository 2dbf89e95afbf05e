package egfx

import "encoding/binary"

// RDPGFX command identifiers, per MS-RDPEGFX §2.2.2 RDPGFX_HEADER.cmdId.
const (
	cmdIDWireToSurface1   = 0x0001
	cmdIDDeleteSurface    = 0x0004
	cmdIDCreateSurface    = 0x000A
	cmdIDStartFrame       = 0x000B
	cmdIDEndFrame         = 0x000C
	cmdIDFrameAcknowledge = 0x000D
	cmdIDResetGraphics    = 0x000E
	cmdIDMapSurfaceToOut  = 0x000F
	cmdIDCapsAdvertise    = 0x0012
	cmdIDCapsConfirm      = 0x0013
)

// Codec IDs for RDPGFX_WIRE_TO_SURFACE_PDU_1.codecId.
const (
	codecIDAVC420 = 0x0B
)

// Capability set versions. CapVersion81 is the first version to carry
// AVC420 H.264 region delivery, per MS-RDPEGFX §2.2.3.
const (
	capVersion8  = 0x00080004
	capVersion81 = 0x00080105
)

const pduHeaderLen = 8

// encodeHeader writes an RDPGFX_HEADER (cmdId, flags=0, pduLength) followed
// by body, per MS-RDPEGFX §2.2.2.
func encodeHeader(cmdID uint16, body []byte) []byte {
	out := make([]byte, 0, pduHeaderLen+len(body))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], cmdID)
	out = append(out, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], 0) // flags, reserved
	out = append(out, u16[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(pduHeaderLen+len(body)))
	out = append(out, u32[:]...)
	out = append(out, body...)
	return out
}

// capsAdvertiseEntry is one RDPGFX_CAPSET parsed out of a client
// RDPGFX_CAPS_ADVERTISE_PDU.
type capsAdvertiseEntry struct {
	version       uint32
	capsDataFlags uint32
}

// parseCapsAdvertise decodes the body of an RDPGFX_CAPS_ADVERTISE_PDU
// (capsSetCount u16 followed by capsSetCount RDPGFX_CAPSET entries: version
// u32, capsDataLength u32, capsData[capsDataLength]).
func parseCapsAdvertise(body []byte) ([]capsAdvertiseEntry, error) {
	if len(body) < 2 {
		return nil, errTruncatedPDU
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	offset := 2
	entries := make([]capsAdvertiseEntry, 0, count)
	for i := uint16(0); i < count; i++ {
		if offset+8 > len(body) {
			return nil, errTruncatedPDU
		}
		version := binary.LittleEndian.Uint32(body[offset : offset+4])
		dataLen := binary.LittleEndian.Uint32(body[offset+4 : offset+8])
		offset += 8
		if offset+int(dataLen) > len(body) {
			return nil, errTruncatedPDU
		}
		var flags uint32
		if dataLen >= 4 {
			flags = binary.LittleEndian.Uint32(body[offset : offset+4])
		}
		offset += int(dataLen)
		entries = append(entries, capsAdvertiseEntry{version: version, capsDataFlags: flags})
	}
	return entries, nil
}

// chooseVersion returns the highest version in entries, and whether it
// is at least CapVersion81 (AVC420-capable).
func chooseVersion(entries []capsAdvertiseEntry) (version uint32, supportsAVC420 bool) {
	for _, e := range entries {
		if e.version > version {
			version = e.version
		}
	}
	return version, version >= capVersion81
}

// encodeCapsConfirm builds RDPGFX_CAPS_CONFIRM_PDU selecting version with
// an empty 4-byte capsData flags field.
func encodeCapsConfirm(version uint32) []byte {
	body := make([]byte, 0, 12)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], version)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], 4) // capsDataLength
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], 0) // capsData flags
	body = append(body, u32[:]...)
	return encodeHeader(cmdIDCapsConfirm, body)
}

// encodeCreateSurface builds RDPGFX_CREATE_SURFACE_PDU. pixelFormat uses
// the MS-RDPEGFX value for PIXEL_FORMAT_XRGB_8888 (0x20).
func encodeCreateSurface(surfaceID, width, height uint16) []byte {
	body := make([]byte, 0, 7)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], surfaceID)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], width)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], height)
	body = append(body, u16[:]...)
	body = append(body, 0x20) // pixelFormat: XRGB_8888
	return encodeHeader(cmdIDCreateSurface, body)
}

// encodeDeleteSurface builds RDPGFX_DELETE_SURFACE_PDU.
func encodeDeleteSurface(surfaceID uint16) []byte {
	body := make([]byte, 2)
	binary.LittleEndian.PutUint16(body, surfaceID)
	return encodeHeader(cmdIDDeleteSurface, body)
}

// encodeMapSurfaceToOutput builds RDPGFX_MAP_SURFACE_TO_OUTPUT_PDU mapping
// surfaceID to output origin (x, y).
func encodeMapSurfaceToOutput(surfaceID uint16, x, y uint32) []byte {
	body := make([]byte, 0, 10)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], surfaceID)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], 0) // reserved
	body = append(body, u16[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], x)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], y)
	body = append(body, u32[:]...)
	return encodeHeader(cmdIDMapSurfaceToOut, body)
}

// encodeResetGraphics builds RDPGFX_RESET_GRAPHICS_PDU with a single
// primary monitor rectangle spanning (0, 0)-(width-1, height-1), bounds
// inclusive.
func encodeResetGraphics(width, height uint32) []byte {
	body := make([]byte, 0, 32)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], width)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], height)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], 1) // monitorCount
	body = append(body, u32[:]...)
	// Monitor definition: left, top, right, bottom, flags (1 = primary).
	for _, v := range []uint32{0, 0, width - 1, height - 1, 1} {
		binary.LittleEndian.PutUint32(u32[:], v)
		body = append(body, u32[:]...)
	}
	return encodeHeader(cmdIDResetGraphics, body)
}

// encodeStartFrame builds RDPGFX_START_FRAME_PDU.
func encodeStartFrame(frameID, timestampMs uint32) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], timestampMs)
	binary.LittleEndian.PutUint32(body[4:8], frameID)
	return encodeHeader(cmdIDStartFrame, body)
}

// encodeEndFrame builds RDPGFX_END_FRAME_PDU.
func encodeEndFrame(frameID uint32) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, frameID)
	return encodeHeader(cmdIDEndFrame, body)
}

// encodeWireToSurface1AVC420 builds RDPGFX_WIRE_TO_SURFACE_PDU_1 carrying a
// single full-frame AVC420 region over h264Data, per MS-RDPEGFX §2.2.2.6 and
// the RFX_AVC420_BITMAP_STREAM format (§2.2.4.4). h264Data MUST be Annex-B
// (start-code prefixed): FreeRDP's OpenH264 decoder rejects length-prefixed
// AVC framing here with state 0x0004.
func encodeWireToSurface1AVC420(surfaceID, width, height uint16, h264Data []byte) []byte {
	body := make([]byte, 0, 13+4+14+len(h264Data))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], surfaceID)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], codecIDAVC420)
	body = append(body, u16[:]...)           // codecId
	body = append(body, 0x20)                // pixelFormat: XRGB_8888
	binary.LittleEndian.PutUint16(u16[:], 0) // destRect.left
	body = append(body, u16[:]...)
	body = append(body, u16[:]...) // destRect.top
	binary.LittleEndian.PutUint16(u16[:], width)
	body = append(body, u16[:]...) // destRect.right
	binary.LittleEndian.PutUint16(u16[:], height)
	body = append(body, u16[:]...) // destRect.bottom

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(14+len(h264Data)))
	body = append(body, u32[:]...) // bitmapDataLength

	// AVC420_BITMAP_STREAM: numRegionRects, one full-frame rect, one
	// quantQualityVal entry (qpVal, qualityVal), then raw Annex-B H.264.
	binary.LittleEndian.PutUint32(u32[:], 1)
	body = append(body, u32[:]...)
	binary.LittleEndian.PutUint16(u16[:], 0)
	body = append(body, u16[:]...)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], width)
	body = append(body, u16[:]...)
	binary.LittleEndian.PutUint16(u16[:], height)
	body = append(body, u16[:]...)
	body = append(body, 22, 100) // quantQualityVal: QP=22, quality=100

	body = append(body, h264Data...)
	return encodeHeader(cmdIDWireToSurface1, body)
}
