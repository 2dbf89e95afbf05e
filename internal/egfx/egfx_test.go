package egfx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildCapsAdvertise(versions ...uint32) []byte {
	body := make([]byte, 0, 2+12*len(versions))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(versions)))
	body = append(body, u16[:]...)
	var u32 [4]byte
	for _, v := range versions {
		binary.LittleEndian.PutUint32(u32[:], v)
		body = append(body, u32[:]...)
		binary.LittleEndian.PutUint32(u32[:], 4)
		body = append(body, u32[:]...)
		binary.LittleEndian.PutUint32(u32[:], 0)
		body = append(body, u32[:]...)
	}
	return encodeHeader(cmdIDCapsAdvertise, body)
}

func TestFactory_BuildsIndependentBridgesOverSharedState(t *testing.T) {
	factory, controller, _ := New(1920, 1080)
	assert.Equal(t, "Microsoft::Windows::RDS::Graphics", factory.ChannelName())
	assert.False(t, controller.IsReady())
	assert.False(t, controller.SupportsAVC420())

	b1 := factory.New()
	b2 := factory.New()
	assert.Same(t, b1.shared, b2.shared)
}

func TestBridge_StartThenCapsAdvertise_ReachesSurfaceMapped(t *testing.T) {
	factory, controller, _ := New(1280, 720)
	bridge := factory.New()

	_, err := bridge.Start(7)
	require.NoError(t, err)
	assert.False(t, controller.IsReady())

	out, err := bridge.Process(7, buildCapsAdvertise(capVersion81))
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, byte(0xE0), out[0])

	assert.True(t, controller.IsReady())
	assert.True(t, controller.SupportsAVC420())
}

func TestBridge_CapsAdvertiseBelow81_NotAVC420(t *testing.T) {
	factory, controller, _ := New(800, 600)
	bridge := factory.New()
	_, _ = bridge.Start(3)

	_, err := bridge.Process(3, buildCapsAdvertise(capVersion8))
	require.NoError(t, err)
	assert.True(t, controller.IsReady())
	assert.False(t, controller.SupportsAVC420())
}

func TestBridge_Close_ResetsSupportsAVC420(t *testing.T) {
	factory, controller, _ := New(640, 480)
	bridge := factory.New()
	_, _ = bridge.Start(1)
	_, _ = bridge.Process(1, buildCapsAdvertise(capVersion81))
	require.True(t, controller.SupportsAVC420())

	bridge.Close(1)
	assert.False(t, controller.SupportsAVC420())
}

func TestController_SendFrame_FalseWithoutSink(t *testing.T) {
	factory, controller, _ := New(1920, 1080)
	bridge := factory.New()
	_, _ = bridge.Start(1)
	_, _ = bridge.Process(1, buildCapsAdvertise(capVersion81))

	assert.False(t, controller.SendFrame([]byte{0, 0, 0, 1}, 1920, 1080, 0))
}

func TestController_SendFrame_DeliversThroughSink(t *testing.T) {
	factory, controller, setter := New(1920, 1080)
	bridge := factory.New()
	_, _ = bridge.Start(9)
	_, _ = bridge.Process(9, buildCapsAdvertise(capVersion81))

	ch := make(chan DVCOutput, 4)
	setter.SetSink(ch)

	ok := controller.SendFrame([]byte{0, 0, 0, 1, 0x65}, 1920, 1080, 33)
	require.True(t, ok)

	out := <-ch
	assert.Equal(t, uint32(9), out.ChannelID)
	assert.Equal(t, byte(0xE0), out.Data[0])
}

func TestController_SendFrame_BackpressureAfterMaxInFlight(t *testing.T) {
	factory, controller, setter := New(1920, 1080)
	bridge := factory.New()
	_, _ = bridge.Start(1)
	_, _ = bridge.Process(1, buildCapsAdvertise(capVersion81))

	ch := make(chan DVCOutput, 8)
	setter.SetSink(ch)

	for i := 0; i < maxInFlightFrames; i++ {
		require.True(t, controller.SendFrame([]byte{0, 0, 0, 1}, 1920, 1080, uint32(i)))
	}
	assert.False(t, controller.SendFrame([]byte{0, 0, 0, 1}, 1920, 1080, 99))

	ackBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(ackBody, 1)
	_, err := bridge.Process(1, encodeHeader(cmdIDFrameAcknowledge, ackBody))
	require.NoError(t, err)

	assert.True(t, controller.SendFrame([]byte{0, 0, 0, 1}, 1920, 1080, 100))
}

func TestController_Resize_ForcesKeyframeAndSendsOnce(t *testing.T) {
	factory, controller, setter := New(1920, 1080)
	bridge := factory.New()
	_, _ = bridge.Start(1)
	_, _ = bridge.Process(1, buildCapsAdvertise(capVersion81))

	ch := make(chan DVCOutput, 4)
	setter.SetSink(ch)

	assert.False(t, controller.TakeNeedsKeyframe())

	controller.Resize(640, 480)
	assert.True(t, controller.TakeNeedsKeyframe())
	assert.False(t, controller.TakeNeedsKeyframe(), "TakeNeedsKeyframe must clear the flag")

	out := <-ch
	assert.Equal(t, byte(0xE0), out.Data[0])
	assert.True(t, controller.IsReady())
}

func TestController_Reset_ReturnsToClosed(t *testing.T) {
	factory, controller, _ := New(1920, 1080)
	bridge := factory.New()
	_, _ = bridge.Start(1)
	_, _ = bridge.Process(1, buildCapsAdvertise(capVersion81))
	require.True(t, controller.IsReady())

	controller.Reset()
	assert.False(t, controller.IsReady())
	assert.False(t, controller.SupportsAVC420())
	assert.False(t, controller.SendFrame([]byte{0}, 100, 100, 0))
}

func TestParseCapsAdvertise_TruncatedReturnsError(t *testing.T) {
	_, err := parseCapsAdvertise([]byte{0x01})
	assert.Error(t, err)
}
