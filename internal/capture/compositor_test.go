package capture

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoggerCapture() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBlitFrame_PlacesPixelsAtOffset(t *testing.T) {
	canvasW, canvasH := 4, 4
	stride := canvasW * 4
	canvas := make([]byte, stride*canvasH)

	frame := &CapturedFrame{
		Data:   bytesOf(0xFF, 2*2*4),
		Width:  2,
		Height: 2,
		Format: PixelFormatBGRA,
		Stride: 2 * 4,
	}

	blitFrame(canvas, stride, frame, 1, 1, uint16(canvasW), uint16(canvasH))

	assert.Equal(t, byte(0xFF), canvas[stride+4], "pixel (1,1) must be filled")
	assert.Equal(t, byte(0), canvas[0], "pixel (0,0) must remain untouched")
}

func TestCompositor_SingleMonitorPassthrough(t *testing.T) {
	ch := make(chan CaptureEvent, 1)
	var recv <-chan CaptureEvent = ch
	c := NewCompositor(
		[]MonitorInfo{{Width: 2, Height: 2}},
		[]<-chan CaptureEvent{recv},
		4,
		testLoggerCapture(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	ch <- CaptureEvent{Kind: EventFrame, Frame: CapturedFrame{
		Data: bytesOf(0x11, 2*2*4), Width: 2, Height: 2, Stride: 8, Format: PixelFormatBGRA,
	}}

	select {
	case ev := <-c.Output():
		require.Equal(t, EventFrame, ev.Kind)
		assert.Equal(t, uint32(2), ev.Frame.Width)
		assert.Equal(t, uint32(1), ev.Frame.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for composed frame")
	}

	cancel()
	<-done
}

func TestCompositor_CursorOffsetByMonitorPosition(t *testing.T) {
	ch := make(chan CaptureEvent, 1)
	var recv <-chan CaptureEvent = ch
	c := NewCompositor(
		[]MonitorInfo{{Width: 1920, Height: 1080, X: 1920, Y: 0}},
		[]<-chan CaptureEvent{recv},
		4,
		testLoggerCapture(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	ch <- CaptureEvent{Kind: EventCursor, Cursor: CursorInfo{X: 10, Y: 20, Visible: true}}

	select {
	case ev := <-c.Output():
		require.Equal(t, EventCursor, ev.Kind)
		assert.Equal(t, int32(1930), ev.Cursor.X)
		assert.Equal(t, int32(20), ev.Cursor.Y)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cursor event")
	}
}

func bytesOf(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
