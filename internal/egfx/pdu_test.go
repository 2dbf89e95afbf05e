package egfx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeader_LengthIncludesHeader(t *testing.T) {
	out := encodeHeader(cmdIDStartFrame, []byte{1, 2, 3, 4})
	require.Len(t, out, pduHeaderLen+4)
	assert.Equal(t, uint16(cmdIDStartFrame), binary.LittleEndian.Uint16(out[0:2]))
	assert.Equal(t, uint32(pduHeaderLen+4), binary.LittleEndian.Uint32(out[4:8]))
}

func TestChooseVersion_PicksHighest(t *testing.T) {
	entries := []capsAdvertiseEntry{{version: capVersion8}, {version: capVersion81}}
	version, avc420 := chooseVersion(entries)
	assert.Equal(t, uint32(capVersion81), version)
	assert.True(t, avc420)
}

func TestChooseVersion_NoneBelow81(t *testing.T) {
	entries := []capsAdvertiseEntry{{version: capVersion8}}
	version, avc420 := chooseVersion(entries)
	assert.Equal(t, uint32(capVersion8), version)
	assert.False(t, avc420)
}

func TestEncodeCreateSurface_RoundTripFields(t *testing.T) {
	out := encodeCreateSurface(3, 1920, 1080)
	body := out[pduHeaderLen:]
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, uint16(1920), binary.LittleEndian.Uint16(body[2:4]))
	assert.Equal(t, uint16(1080), binary.LittleEndian.Uint16(body[4:6]))
}

func TestEncodeWireToSurface1AVC420_EmbedsPayload(t *testing.T) {
	h264 := []byte{0, 0, 0, 1, 0x67, 0x42}
	out := encodeWireToSurface1AVC420(1, 1920, 1080, h264)
	assert.Equal(t, h264, out[len(out)-len(h264):])

	body := out[pduHeaderLen:]
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, byte(codecIDAVC420), body[2])
}

func TestEncodeResetGraphics_DimensionsRoundTrip(t *testing.T) {
	out := encodeResetGraphics(1280, 720)
	body := out[pduHeaderLen:]
	assert.Equal(t, uint32(1280), binary.LittleEndian.Uint32(body[0:4]))
	assert.Equal(t, uint32(720), binary.LittleEndian.Uint32(body[4:8]))
}
