// Package capture implements the portal-negotiated PipeWire screen capture
// pipeline described in spec.md §4.4: XDG Desktop Portal ScreenCast
// session negotiation, a go-gst-based PipeWire consumer,
// damage/cursor metadata extraction, and multi-monitor compositing.
package capture

// PixelFormat identifies the channel layout of a CapturedFrame's pixel
// data. PipeWire typically delivers BGRx with an undefined padding byte;
// EnsureAlphaOpaque normalizes that byte to fully opaque.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota
	PixelFormatRGBA
)

// BytesPerPixel is 4 for every format this package supports.
func (f PixelFormat) BytesPerPixel() int { return 4 }

// DamageRect is one rectangular region of changed pixels within a frame.
type DamageRect struct {
	X, Y          int32
	Width, Height uint32
}

// FullFrameDamage returns a DamageRect covering the entire width x height
// frame, used when the compositor (or a source with no damage metadata)
// cannot report finer-grained regions.
func FullFrameDamage(width, height uint32) DamageRect {
	return DamageRect{X: 0, Y: 0, Width: width, Height: height}
}

// Area returns width * height.
func (d DamageRect) Area() uint64 {
	return uint64(d.Width) * uint64(d.Height)
}

// CursorBitmap is an RGBA cursor shape, top-to-bottom row order.
type CursorBitmap struct {
	Width, Height uint32
	HotX, HotY    uint32
	Data          []byte
}

// ExpectedCursorLen is the byte length CursorBitmap.Data must have for the
// declared dimensions.
func ExpectedCursorLen(width, height uint32) int {
	return int(width) * int(height) * 4
}

// IsValid reports whether Data's length matches the declared dimensions.
func (b CursorBitmap) IsValid() bool {
	return len(b.Data) == ExpectedCursorLen(b.Width, b.Height)
}

// CursorInfo is the cursor position, relative to the captured region, and
// an optional shape update.
type CursorInfo struct {
	X, Y    int32
	Visible bool
	Bitmap  *CursorBitmap
}

// AudioChunk is one delivery of raw PCM audio, per spec.md §4.11's audio
// capture supplement.
type AudioChunk struct {
	Data          []byte
	Channels      uint16
	SampleRateHz  uint32
	BitsPerSample uint16
	Sequence      uint64
}

// CapturedFrame is a single captured video frame, top-to-bottom row order.
type CapturedFrame struct {
	Data     []byte
	Width    uint32
	Height   uint32
	Format   PixelFormat
	Stride   uint32
	Sequence uint64
	// Damage is nil when no damage info is available (treat as full-frame
	// update); an empty, non-nil slice means no change since the last frame.
	Damage []DamageRect
}

// EnsureAlphaOpaque forces the alpha channel of a BGRA frame to 0xFF,
// undoing PipeWire's undefined BGRx padding byte.
func (f *CapturedFrame) EnsureAlphaOpaque() {
	if f.Format != PixelFormatBGRA {
		return
	}
	for i := 3; i < len(f.Data); i += 4 {
		f.Data[i] = 0xFF
	}
}

// CaptureEventKind discriminates the variants of CaptureEvent.
type CaptureEventKind int

const (
	EventFrame CaptureEventKind = iota
	EventCursor
	EventFrameAndCursor
)

// CaptureEvent is one item emitted by the capture pipeline: a new frame,
// a cursor-only update, or both together.
type CaptureEvent struct {
	Kind   CaptureEventKind
	Frame  CapturedFrame
	Cursor CursorInfo
}

// MonitorInfo describes one captured monitor's PipeWire node and its
// position within the virtual desktop, per spec.md §4.11's multi-monitor
// compositing supplement.
type MonitorInfo struct {
	NodeID        uint32
	Width, Height uint16
	X, Y          int32
}

// BoundingBox computes the (width, height) of the virtual desktop that
// encompasses every monitor at its configured offset. Returns (0, 0) for
// an empty slice.
func BoundingBox(monitors []MonitorInfo) (uint16, uint16) {
	var maxX, maxY int32
	for _, m := range monitors {
		right := m.X + int32(m.Width)
		bottom := m.Y + int32(m.Height)
		if right > maxX {
			maxX = right
		}
		if bottom > maxY {
			maxY = bottom
		}
	}
	if maxX < 0 {
		maxX = 0
	}
	if maxY < 0 {
		maxY = 0
	}
	if maxX > int32(^uint16(0)) {
		maxX = int32(^uint16(0))
	}
	if maxY > int32(^uint16(0)) {
		maxY = int32(^uint16(0))
	}
	return uint16(maxX), uint16(maxY)
}
