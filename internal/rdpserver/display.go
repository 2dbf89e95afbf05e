package rdpserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deskrelay/rdpd/internal/capture"
	"github.com/deskrelay/rdpd/internal/egfx"
	"github.com/deskrelay/rdpd/internal/encode"
)

// waitFramesBeforeBitmapFallback bounds how many captured frames are
// dropped while waiting for EGFX to finish its in-flight handshake before
// falling back to raw bitmap updates, per spec.md §4.7 (~10s at 30fps).
const waitFramesBeforeBitmapFallback = 300

// DesktopSize is the negotiated display resolution.
type DesktopSize struct {
	Width, Height uint16
}

// UpdateKind discriminates the DisplayUpdate union.
type UpdateKind int

const (
	UpdateBitmap UpdateKind = iota
	UpdateResize
	UpdateHidePointer
	UpdateRGBAPointer
	UpdatePointerPosition
)

// BitmapUpdate carries a raw BGRA frame, used only when EGFX isn't ready.
type BitmapUpdate struct {
	X, Y, Width, Height uint16
	Stride              uint32
	Data                []byte
}

// RGBAPointer carries a cursor bitmap update.
type RGBAPointer struct {
	Width, Height, HotX, HotY uint16
	Data                      []byte
}

// PointerPosition carries a cursor-position-only update (no bitmap
// change), used when the compositor reports a cursor move without a new
// bitmap.
type PointerPosition struct {
	X, Y uint16
}

// DisplayUpdate is the sum type handed to the RDP protocol engine for
// each pending screen change, mirroring ironrdp_server::DisplayUpdate in
// cosmic-rdp-server/src/server.rs.
type DisplayUpdate struct {
	Kind      UpdateKind
	Bitmap    BitmapUpdate
	Resize    DesktopSize
	Pointer   RGBAPointer
	PointerAt PointerPosition
}

// Display is the per-connection display-handler contract §4.7 describes:
// size(), updates() -> stream, and request_layout for client-initiated
// resize.
type Display interface {
	Size(ctx context.Context) DesktopSize
	Updates(ctx context.Context) (DisplayUpdates, error)
	RequestLayout(width, height uint16)
}

// DisplayUpdates is a pull-based stream of DisplayUpdate values; a nil,
// nil return from NextUpdate means the stream ended (client disconnected
// the capture channel).
type DisplayUpdates interface {
	NextUpdate(ctx context.Context) (*DisplayUpdate, error)
	Close()
}

// StaticDisplay serves a single solid-color bitmap then blocks forever,
// used for --static-display test mode per spec.md §6's CLI surface.
type StaticDisplay struct {
	Width, Height uint16
}

func NewStaticDisplay(width, height uint16) *StaticDisplay {
	return &StaticDisplay{Width: width, Height: height}
}

func (d *StaticDisplay) Size(ctx context.Context) DesktopSize {
	return DesktopSize{Width: d.Width, Height: d.Height}
}

func (d *StaticDisplay) RequestLayout(uint16, uint16) {}

func (d *StaticDisplay) Updates(ctx context.Context) (DisplayUpdates, error) {
	bitmap := blueBitmap(d.Width, d.Height)
	return &staticUpdates{first: &DisplayUpdate{Kind: UpdateBitmap, Bitmap: bitmap}}, nil
}

type staticUpdates struct {
	mu    sync.Mutex
	first *DisplayUpdate
}

func (s *staticUpdates) NextUpdate(ctx context.Context) (*DisplayUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.first != nil {
		u := s.first
		s.first = nil
		return u, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *staticUpdates) Close() {}

func blueBitmap(width, height uint16) BitmapUpdate {
	const bpp = 4
	stride := uint32(width) * bpp
	data := make([]byte, int(stride)*int(height))
	for i := 0; i < len(data); i += bpp {
		data[i+0] = 0xCC // B
		data[i+1] = 0x44 // G
		data[i+2] = 0x11 // R
		data[i+3] = 0xFF // A
	}
	return BitmapUpdate{Width: width, Height: height, Stride: stride, Data: data}
}

// displayChannels holds the capture event channel and EGFX controller
// liveUpdates.Close returns on disconnect (resizeCh is fixed for the
// display's lifetime) so a later connection can reuse an already
// running capture pipeline without re-dialing the portal, per spec.md
// §4.7's "Sequential connection reuse".
type displayChannels struct {
	mu       sync.Mutex
	eventCh  <-chan capture.CaptureEvent
	resizeCh chan DesktopSize
	egfx     *egfx.Controller
}

// LiveDisplay streams frames from a running capture pipeline and relays
// client-requested resizes, optionally encoding to H.264 and delivering
// through an EGFX controller. Grounded on
// original_source/crates/cosmic-rdp-server/src/server.rs's LiveDisplay/
// LiveDisplayUpdates.
type LiveDisplay struct {
	width, height uint16
	channels      *displayChannels
	logger        *slog.Logger

	mu        sync.Mutex
	resizeOut chan DesktopSize
	egfxOnce  *egfx.Controller
}

// NewLiveDisplay wraps a running capture pipeline's event channel.
func NewLiveDisplay(eventCh <-chan capture.CaptureEvent, width, height uint16, logger *slog.Logger) *LiveDisplay {
	resizeCh := make(chan DesktopSize, 4)
	return &LiveDisplay{
		width:  width,
		height: height,
		logger: logger,
		channels: &displayChannels{
			eventCh:  eventCh,
			resizeCh: resizeCh,
		},
		resizeOut: resizeCh,
	}
}

// SetEGFX attaches the EGFX controller the display uses for H.264
// delivery once the DVC channel negotiates AVC420 support.
func (d *LiveDisplay) SetEGFX(controller *egfx.Controller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.egfxOnce = controller
}

func (d *LiveDisplay) Size(ctx context.Context) DesktopSize {
	return DesktopSize{Width: d.width, Height: d.height}
}

// RequestLayout implements the primary-monitor resize path: if the
// requested size matches the current one, it's ignored; otherwise it's
// forwarded to whichever connection currently owns the updates stream.
func (d *LiveDisplay) RequestLayout(width, height uint16) {
	if width == d.width && height == d.height {
		return
	}
	d.logger.Info("client requested display resize", "width", width, "height", height)
	select {
	case d.resizeOut <- DesktopSize{Width: width, Height: height}:
	default:
		d.logger.Warn("resize channel full, dropping layout request")
	}
}

func (d *LiveDisplay) Updates(ctx context.Context) (DisplayUpdates, error) {
	d.channels.mu.Lock()
	defer d.channels.mu.Unlock()

	if d.channels.eventCh == nil {
		return nil, fmt.Errorf("capture already in use (only one connection at a time)")
	}
	eventCh := d.channels.eventCh
	d.channels.eventCh = nil

	d.mu.Lock()
	controller := d.channels.egfx
	if controller == nil {
		controller = d.egfxOnce
		d.egfxOnce = nil
	}
	d.mu.Unlock()

	d.logger.Info("display channels acquired for new connection")

	return &liveUpdates{
		parent:  d,
		eventCh: eventCh,
		resize:  d.resizeOut,
		egfx:    controller,
		logger:  d.logger,
	}, nil
}

// liveUpdates is the per-connection DisplayUpdates implementation.
// Closing it returns its channels to the parent LiveDisplay so the next
// connection can reuse them.
type liveUpdates struct {
	parent  *LiveDisplay
	eventCh <-chan capture.CaptureEvent
	resize  chan DesktopSize
	logger  *slog.Logger

	egfx             *egfx.Controller
	encoderSess      *encode.Session
	frameTimestampMs uint32
	waitFrames       int

	pendingCursor *capture.CursorInfo
	closed        bool
}

func (u *liveUpdates) NextUpdate(ctx context.Context) (*DisplayUpdate, error) {
	if u.pendingCursor != nil {
		cursor := u.pendingCursor
		u.pendingCursor = nil
		return cursorUpdate(cursor), nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ev, ok := <-u.eventCh:
			if !ok {
				return nil, nil
			}
			update, err := u.handleCaptureEvent(ev)
			if err != nil {
				return nil, err
			}
			if update == nil {
				// Frame consumed via EGFX, or dropped while waiting for
				// EGFX readiness; no bitmap to report, keep waiting.
				continue
			}
			return update, nil

		case size, ok := <-u.resize:
			if !ok {
				return nil, nil
			}
			u.parent.mu.Lock()
			u.parent.width, u.parent.height = size.Width, size.Height
			u.parent.mu.Unlock()
			if u.egfx != nil {
				u.egfx.Resize(size.Width, size.Height)
			}
			u.parent.logger.Info("emitting display resize", "width", size.Width, "height", size.Height)
			return &DisplayUpdate{Kind: UpdateResize, Resize: size}, nil
		}
	}
}

func (u *liveUpdates) handleCaptureEvent(ev capture.CaptureEvent) (*DisplayUpdate, error) {
	switch ev.Kind {
	case capture.EventFrame:
		frame := ev.Frame
		frame.EnsureAlphaOpaque()
		if update, handled := u.tryEGFXFrame(frame); handled {
			return update, nil
		}
		return frameToBitmap(frame)

	case capture.EventCursor:
		return cursorUpdate(&ev.Cursor), nil

	case capture.EventFrameAndCursor:
		frame := ev.Frame
		cursor := ev.Cursor
		u.pendingCursor = &cursor
		frame.EnsureAlphaOpaque()
		if update, handled := u.tryEGFXFrame(frame); handled {
			return update, nil
		}
		return frameToBitmap(frame)

	default:
		return nil, fmt.Errorf("rdpserver: unknown capture event kind %v", ev.Kind)
	}
}

// tryEGFXFrame implements spec.md §4.7's three-way frame delivery
// decision. It returns handled=true when the caller must not fall back
// to a bitmap: either the frame went out over EGFX (possibly dropped on
// backpressure), or EGFX is present but still mid-handshake and within
// its wait-frame budget. handled=false means no EGFX is attached, the
// wait budget is exhausted, or H.264 encoding failed, so the caller
// should emit a raw bitmap.
func (u *liveUpdates) tryEGFXFrame(frame capture.CapturedFrame) (update *DisplayUpdate, handled bool) {
	if u.egfx == nil {
		return nil, false
	}

	if !u.egfx.IsReady() || !u.egfx.SupportsAVC420() {
		if u.waitFrames < waitFramesBeforeBitmapFallback {
			u.waitFrames++
			return nil, true
		}
		u.logger.Warn("EGFX still not ready after wait budget, falling back to bitmap updates")
		return nil, false
	}
	u.waitFrames = 0

	if u.encoderSess == nil {
		u.encoderSess = encode.NewSession(encode.GstEncoderFactory, encode.Config{
			Width:            uint16(frame.Width),
			Height:           uint16(frame.Height),
			FramerateHz:      30,
			BitrateBPS:       8_000_000,
			KeyframeInterval: 60,
			LowLatency:       true,
		}, u.logger)
	}

	encoded, err := u.encoderSess.EncodeFrame(uint16(frame.Width), uint16(frame.Height), frame.Data)
	if err != nil {
		u.logger.Warn("EGFX: H.264 encoding failed, falling back to bitmap", "error", err)
		return nil, false
	}
	if encoded == nil {
		return nil, true
	}

	ts := u.frameTimestampMs
	u.frameTimestampMs += 33

	// SendFrame's own return value only tells us whether backpressure
	// dropped this frame; per spec.md §4.7 that's still "handled", not a
	// bitmap-fallback case.
	u.egfx.SendFrame(encoded.Data, uint16(frame.Width), uint16(frame.Height), ts)
	return nil, true
}

func cursorUpdate(cursor *capture.CursorInfo) *DisplayUpdate {
	if !cursor.Visible {
		return &DisplayUpdate{Kind: UpdateHidePointer}
	}
	if cursor.Bitmap != nil {
		b := cursor.Bitmap
		return &DisplayUpdate{Kind: UpdateRGBAPointer, Pointer: RGBAPointer{
			Width: uint16(b.Width), Height: uint16(b.Height),
			HotX: uint16(b.HotX), HotY: uint16(b.HotY), Data: b.Data,
		}}
	}
	x, y := cursor.X, cursor.Y
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return &DisplayUpdate{Kind: UpdatePointerPosition, PointerAt: PointerPosition{X: uint16(x), Y: uint16(y)}}
}

func frameToBitmap(frame capture.CapturedFrame) (*DisplayUpdate, error) {
	if frame.Width == 0 || frame.Height == 0 {
		return nil, fmt.Errorf("rdpserver: captured frame has zero dimension")
	}
	return &DisplayUpdate{Kind: UpdateBitmap, Bitmap: BitmapUpdate{
		Width:  uint16(frame.Width),
		Height: uint16(frame.Height),
		Stride: frame.Stride,
		Data:   frame.Data,
	}}, nil
}

// Close returns the event/resize channels to the parent display so the
// next RDP connection can reuse the running capture pipeline.
func (u *liveUpdates) Close() {
	if u.closed {
		return
	}
	u.closed = true

	u.parent.channels.mu.Lock()
	u.parent.channels.eventCh = u.eventCh
	u.parent.channels.egfx = u.egfx
	u.parent.channels.mu.Unlock()

	u.encoderSess = nil
	u.parent.logger.Info("client disconnected, display channels released for next connection")
}
