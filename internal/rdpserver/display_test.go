package rdpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/rdpd/internal/capture"
)

func TestStaticDisplay_UpdatesYieldsOneBitmapThenBlocks(t *testing.T) {
	d := NewStaticDisplay(640, 480)
	updates, err := d.Updates(context.Background())
	require.NoError(t, err)

	first, err := updates.NextUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdateBitmap, first.Kind)
	assert.Equal(t, uint16(640), first.Bitmap.Width)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = updates.NextUpdate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLiveDisplay_Updates_SecondCallFailsWhileFirstHoldsChannel(t *testing.T) {
	eventCh := make(chan capture.CaptureEvent)
	d := NewLiveDisplay(eventCh, 1920, 1080, discardLogger())

	_, err := d.Updates(context.Background())
	require.NoError(t, err)

	_, err = d.Updates(context.Background())
	assert.Error(t, err)
}

func TestLiveDisplay_Close_ReturnsChannelForReuse(t *testing.T) {
	eventCh := make(chan capture.CaptureEvent)
	d := NewLiveDisplay(eventCh, 1920, 1080, discardLogger())

	u, err := d.Updates(context.Background())
	require.NoError(t, err)
	u.Close()

	_, err = d.Updates(context.Background())
	assert.NoError(t, err, "channel should be reusable after Close")
}

func TestLiveDisplay_RequestLayout_IgnoresNoOpResize(t *testing.T) {
	eventCh := make(chan capture.CaptureEvent)
	d := NewLiveDisplay(eventCh, 1920, 1080, discardLogger())
	d.RequestLayout(1920, 1080)

	select {
	case <-d.resizeOut:
		t.Fatal("expected no resize event for an unchanged size")
	default:
	}
}

func TestLiveDisplay_RequestLayout_ForwardsChangedSize(t *testing.T) {
	eventCh := make(chan capture.CaptureEvent)
	d := NewLiveDisplay(eventCh, 1920, 1080, discardLogger())
	d.RequestLayout(1280, 720)

	select {
	case size := <-d.resizeOut:
		assert.Equal(t, DesktopSize{Width: 1280, Height: 720}, size)
	default:
		t.Fatal("expected a resize event to be queued")
	}
}

func TestLiveUpdates_NextUpdate_ResizeUpdatesParentDimensions(t *testing.T) {
	eventCh := make(chan capture.CaptureEvent)
	d := NewLiveDisplay(eventCh, 1920, 1080, discardLogger())
	u, err := d.Updates(context.Background())
	require.NoError(t, err)

	d.RequestLayout(800, 600)
	update, err := u.NextUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdateResize, update.Kind)
	assert.Equal(t, DesktopSize{Width: 800, Height: 600}, d.Size(context.Background()))
}

func TestLiveUpdates_HandleCaptureEvent_FrameWithoutEGFXYieldsBitmap(t *testing.T) {
	u := &liveUpdates{logger: discardLogger()}
	frame := capture.CapturedFrame{Width: 4, Height: 1, Stride: 16, Data: make([]byte, 16)}
	update, err := u.handleCaptureEvent(capture.CaptureEvent{Kind: capture.EventFrame, Frame: frame})
	require.NoError(t, err)
	assert.Equal(t, UpdateBitmap, update.Kind)
}

func TestLiveUpdates_HandleCaptureEvent_CursorOnly(t *testing.T) {
	u := &liveUpdates{logger: discardLogger()}
	update, err := u.handleCaptureEvent(capture.CaptureEvent{
		Kind:   capture.EventCursor,
		Cursor: capture.CursorInfo{Visible: false},
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateHidePointer, update.Kind)
}

func TestLiveUpdates_HandleCaptureEvent_FrameAndCursorBuffersCursor(t *testing.T) {
	u := &liveUpdates{logger: discardLogger()}
	frame := capture.CapturedFrame{Width: 2, Height: 1, Stride: 8, Data: make([]byte, 8)}
	update, err := u.handleCaptureEvent(capture.CaptureEvent{
		Kind:   capture.EventFrameAndCursor,
		Frame:  frame,
		Cursor: capture.CursorInfo{Visible: true, X: 5, Y: 6},
	})
	require.NoError(t, err)
	assert.Equal(t, UpdateBitmap, update.Kind)
	require.NotNil(t, u.pendingCursor)
	assert.Equal(t, int32(5), u.pendingCursor.X)

	next, err := u.NextUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, UpdatePointerPosition, next.Kind)
	assert.Nil(t, u.pendingCursor)
}

func TestTryEGFXFrame_NoControllerFallsBackToBitmap(t *testing.T) {
	u := &liveUpdates{logger: discardLogger()}
	_, handled := u.tryEGFXFrame(capture.CapturedFrame{Width: 1, Height: 1})
	assert.False(t, handled)
}

func TestCursorUpdate_HiddenCursor(t *testing.T) {
	update := cursorUpdate(&capture.CursorInfo{Visible: false})
	assert.Equal(t, UpdateHidePointer, update.Kind)
}

func TestCursorUpdate_BitmapCursor(t *testing.T) {
	update := cursorUpdate(&capture.CursorInfo{
		Visible: true,
		Bitmap:  &capture.CursorBitmap{Width: 8, Height: 8, HotX: 1, HotY: 2, Data: make([]byte, 8*8*4)},
	})
	assert.Equal(t, UpdateRGBAPointer, update.Kind)
	assert.Equal(t, uint16(8), update.Pointer.Width)
}

func TestCursorUpdate_PositionOnlyClampsNegative(t *testing.T) {
	update := cursorUpdate(&capture.CursorInfo{Visible: true, X: -5, Y: -1})
	assert.Equal(t, UpdatePointerPosition, update.Kind)
	assert.Equal(t, uint16(0), update.PointerAt.X)
	assert.Equal(t, uint16(0), update.PointerAt.Y)
}

func TestFrameToBitmap_ZeroDimensionErrors(t *testing.T) {
	_, err := frameToBitmap(capture.CapturedFrame{Width: 0, Height: 10})
	assert.Error(t, err)
}
