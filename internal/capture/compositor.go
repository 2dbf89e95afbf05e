package capture

import (
	"context"
	"log/slog"
	"time"
)

// compositeTick is the polling interval the compositor loop uses between
// draining per-monitor channels, matching the teacher's GStreamer bus-poll
// cadence style rather than a bespoke select-on-N-channels construction.
const compositeTick = 8 * time.Millisecond

// monitorInput is one per-monitor event source with its offset in the
// virtual desktop.
type monitorInput struct {
	ch      <-chan CaptureEvent
	xOffset int32
	yOffset int32
}

// Compositor merges multiple per-monitor capture streams into a single
// virtual-desktop frame stream, per spec.md §4.11's multi-monitor
// supplement. With exactly one monitor it still composites (a cheap
// single-source blit), keeping the output contract uniform.
type Compositor struct {
	monitors     []monitorInput
	latest       []*CapturedFrame
	canvasWidth  uint16
	canvasHeight uint16
	out          chan CaptureEvent
	sequence     uint64
	logger       *slog.Logger
}

// NewCompositor builds a Compositor over infos/chans (matched by index)
// with an output channel of the given capacity.
func NewCompositor(infos []MonitorInfo, chans []<-chan CaptureEvent, outCapacity int, logger *slog.Logger) *Compositor {
	w, h := BoundingBox(infos)
	monitors := make([]monitorInput, len(infos))
	for i, info := range infos {
		monitors[i] = monitorInput{ch: chans[i], xOffset: info.X, yOffset: info.Y}
	}
	return &Compositor{
		monitors:     monitors,
		latest:       make([]*CapturedFrame, len(infos)),
		canvasWidth:  w,
		canvasHeight: h,
		out:          make(chan CaptureEvent, outCapacity),
		logger:       logger,
	}
}

// Output returns the composed event stream. Closed when Run returns.
func (c *Compositor) Output() <-chan CaptureEvent { return c.out }

// Run drains every monitor channel, recomposing the canvas whenever any
// monitor delivers a new frame, until ctx is cancelled or every monitor
// channel closes.
func (c *Compositor) Run(ctx context.Context) {
	defer close(c.out)

	ticker := time.NewTicker(compositeTick)
	defer ticker.Stop()

	openCount := len(c.monitors)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			anyNew := false
			for i := range c.monitors {
				if c.monitors[i].ch == nil {
					continue
				}
				select {
				case ev, ok := <-c.monitors[i].ch:
					if !ok {
						c.monitors[i].ch = nil
						openCount--
						continue
					}
					if c.apply(i, ev) {
						anyNew = true
					}
				default:
				}
			}
			if openCount == 0 {
				return
			}
			if anyNew {
				if composed, ok := c.compose(); ok {
					c.trySend(CaptureEvent{Kind: EventFrame, Frame: composed})
				}
			}
		}
	}
}

// apply folds one monitor event into c.latest and, for cursor-bearing
// events, forwards an offset-adjusted cursor event immediately. Returns
// true if a new frame was recorded.
func (c *Compositor) apply(i int, ev CaptureEvent) bool {
	off := c.monitors[i]
	switch ev.Kind {
	case EventFrame:
		f := ev.Frame
		c.latest[i] = &f
		return true
	case EventFrameAndCursor:
		f := ev.Frame
		c.latest[i] = &f
		c.trySend(CaptureEvent{Kind: EventCursor, Cursor: adjustCursor(ev.Cursor, off.xOffset, off.yOffset)})
		return true
	case EventCursor:
		c.trySend(CaptureEvent{Kind: EventCursor, Cursor: adjustCursor(ev.Cursor, off.xOffset, off.yOffset)})
		return false
	}
	return false
}

func (c *Compositor) trySend(ev CaptureEvent) {
	select {
	case c.out <- ev:
	default:
		c.logger.Debug("compositor output channel full, dropping event")
	}
}

func adjustCursor(cur CursorInfo, xOffset, yOffset int32) CursorInfo {
	cur.X += xOffset
	cur.Y += yOffset
	return cur
}

// compose blits every monitor's latest frame onto a single BGRA canvas at
// its configured offset. Returns false if no monitor has delivered a
// frame yet.
func (c *Compositor) compose() (CapturedFrame, bool) {
	w, h := int(c.canvasWidth), int(c.canvasHeight)
	stride := w * 4
	canvas := make([]byte, stride*h)

	any := false
	for i, f := range c.latest {
		if f == nil {
			continue
		}
		any = true
		blitFrame(canvas, stride, f, c.monitors[i].xOffset, c.monitors[i].yOffset, c.canvasWidth, c.canvasHeight)
	}
	if !any {
		return CapturedFrame{}, false
	}

	c.sequence++
	return CapturedFrame{
		Data:     canvas,
		Width:    uint32(c.canvasWidth),
		Height:   uint32(c.canvasHeight),
		Format:   PixelFormatBGRA,
		Stride:   uint32(stride),
		Sequence: c.sequence,
		Damage:   []DamageRect{FullFrameDamage(uint32(c.canvasWidth), uint32(c.canvasHeight))},
	}, true
}

// blitFrame copies frame onto canvas at (xOffset, yOffset), clipping to
// the canvas bounds.
func blitFrame(canvas []byte, canvasStride int, frame *CapturedFrame, xOffset, yOffset int32, canvasWidth, canvasHeight uint16) {
	const bpp = 4
	frameStride := int(frame.Stride)

	for row := uint32(0); row < frame.Height; row++ {
		dstY := yOffset + int32(row)
		if dstY < 0 || dstY >= int32(canvasHeight) {
			continue
		}

		srcStart := int(row) * frameStride
		srcEnd := srcStart + int(frame.Width)*bpp
		if srcEnd > len(frame.Data) {
			continue
		}

		dstXStart := xOffset
		if dstXStart < 0 {
			dstXStart = 0
		}
		dstXEnd := xOffset + int32(frame.Width)
		if dstXEnd > int32(canvasWidth) {
			dstXEnd = int32(canvasWidth)
		}
		if dstXStart >= dstXEnd {
			continue
		}

		srcSkip := int(dstXStart - xOffset)
		copyPixels := int(dstXEnd - dstXStart)

		srcOffset := srcStart + srcSkip*bpp
		dstOffset := int(dstY)*canvasStride + int(dstXStart)*bpp

		copy(canvas[dstOffset:dstOffset+copyPixels*bpp], frame.Data[srcOffset:srcOffset+copyPixels*bpp])
	}
}
