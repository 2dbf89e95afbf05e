package egfx

import (
	"errors"
	"fmt"
	"sync"
)

// errTruncatedPDU is returned by the PDU parsers on a short buffer.
var errTruncatedPDU = errors.New("egfx: truncated PDU")

// State is the per-connection EGFX bridge lifecycle state described in
// spec.md §4.3: Closed -> Opened -> Ready(width,height) -> SurfaceMapped(id)
// -> Stopped.
type State string

const (
	StateClosed        State = "Closed"
	StateOpened        State = "Opened"
	StateReady         State = "Ready"
	StateSurfaceMapped State = "SurfaceMapped"
	StateStopped       State = "Stopped"
)

// maxInFlightFrames bounds how many AVC420 frames may be outstanding
// (sent but not yet frame-acknowledged by the client) before SendFrame
// starts refusing new frames. This is the backpressure signal referenced
// in spec.md §4.3.
const maxInFlightFrames = 2

// DVCOutput is one outbound message for a DVC channel: a ZGFX-wrapped
// blob of one or more EGFX PDUs.
type DVCOutput struct {
	ChannelID uint32
	Data      []byte
}

// shared holds the EGFX state common to the bridge (DVC processor), the
// controller (display-side handle), and the event setter. All three hold
// a pointer to the same instance, guarded by mu.
type shared struct {
	mu sync.Mutex

	state     State
	width     uint16
	height    uint16
	surfaceID uint16
	channelID uint32

	supportsAVC420 bool
	needsKeyframe  bool

	frameID  uint32
	inFlight int
	sink     chan<- DVCOutput
}

// Bridge implements the per-channel DVC processor contract: Start, Process,
// Close. A fresh Bridge is built per RDP connection by BridgeFactory, all
// sharing the same underlying state reset by Controller.Reset.
type Bridge struct {
	shared *shared
}

// BridgeFactory creates a fresh Bridge per RDP connection, mirroring the
// teacher's per-connection DVC factory pattern.
type BridgeFactory struct {
	shared *shared
}

// New builds a fresh Bridge sharing state with the rest of this EGFX
// instance. ChannelName identifies the DVC channel the bridge services.
func (f *BridgeFactory) New() *Bridge {
	return &Bridge{shared: f.shared}
}

// ChannelName is the DRDYNVC channel name EGFX negotiates over.
func (f *BridgeFactory) ChannelName() string {
	return "Microsoft::Windows::RDS::Graphics"
}

// Start is called when the DVC channel opens. It returns no immediate
// output: the server waits for the client's CapsAdvertise.
func (b *Bridge) Start(channelID uint32) ([]byte, error) {
	b.shared.mu.Lock()
	defer b.shared.mu.Unlock()
	b.shared.channelID = channelID
	b.shared.state = StateOpened
	return nil, nil
}

// Close tears the channel down, moving the shared state to Stopped and
// clearing the channel id and AVC420 support. Controller.Reset returns
// the state to Closed for a later reconnect.
func (b *Bridge) Close(channelID uint32) {
	b.shared.mu.Lock()
	defer b.shared.mu.Unlock()
	b.shared.state = StateStopped
	b.shared.channelID = 0
	b.shared.supportsAVC420 = false
}

// Process handles one inbound EGFX PDU. The only client-originated PDU this
// bridge understands is RDPGFX_CAPS_ADVERTISE_PDU; on receipt it replies
// with CapsConfirm and, on first readiness, auto-creates and maps a
// surface at the connection's current dimensions (spec.md §4.3).
func (b *Bridge) Process(channelID uint32, payload []byte) ([]byte, error) {
	if len(payload) < pduHeaderLen {
		return nil, errTruncatedPDU
	}
	cmdID := uint16(payload[0]) | uint16(payload[1])<<8
	body := payload[pduHeaderLen:]

	b.shared.mu.Lock()
	defer b.shared.mu.Unlock()

	switch cmdID {
	case cmdIDCapsAdvertise:
		entries, err := parseCapsAdvertise(body)
		if err != nil {
			return nil, err
		}
		version, avc420 := chooseVersion(entries)
		if version == 0 {
			version = capVersion8
		}
		b.shared.supportsAVC420 = avc420

		var out []byte
		out = append(out, encodeCapsConfirm(version)...)

		wasReady := b.shared.state == StateReady || b.shared.state == StateSurfaceMapped
		b.shared.state = StateReady
		if !wasReady {
			out = append(out, b.createAndMapSurfaceLocked()...)
		}
		return WrapZGFX(out), nil
	case cmdIDFrameAcknowledge:
		if b.shared.inFlight > 0 {
			b.shared.inFlight--
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("egfx: unhandled inbound cmdId 0x%04x", cmdID)
	}
}

// createAndMapSurfaceLocked allocates a surface at the current width and
// height and maps it to output origin (0, 0). Callers must hold shared.mu.
func (b *Bridge) createAndMapSurfaceLocked() []byte {
	b.shared.surfaceID++
	id := b.shared.surfaceID
	var out []byte
	out = append(out, encodeCreateSurface(id, b.shared.width, b.shared.height)...)
	out = append(out, encodeMapSurfaceToOutput(id, 0, 0)...)
	b.shared.state = StateSurfaceMapped
	return out
}

// Controller is the public handle used by the display/encode pipeline to
// check readiness, send H.264 frames, and force keyframes after resize.
// It is cheap to copy: it only wraps a pointer to the shared state.
type Controller struct {
	shared *shared
}

// Reset returns the shared EGFX state to Closed for a new RDP connection.
// Some RDP server implementations do not reliably call Bridge.Close on
// disconnect, leaving stale ready/surface state behind; callers should
// invoke Reset whenever display channels are (re)acquired for a new
// connection.
func (c *Controller) Reset() {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	c.shared.state = StateClosed
	c.shared.surfaceID = 0
	c.shared.channelID = 0
	c.shared.supportsAVC420 = false
	c.shared.needsKeyframe = false
	c.shared.frameID = 0
	c.shared.inFlight = 0
}

// TakeNeedsKeyframe reports and clears whether the next encoded frame must
// be a keyframe (set after Resize).
func (c *Controller) TakeNeedsKeyframe() bool {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	v := c.shared.needsKeyframe
	c.shared.needsKeyframe = false
	return v
}

// IsReady reports whether the EGFX channel has completed capability
// negotiation and mapped a surface.
func (c *Controller) IsReady() bool {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return c.shared.state == StateSurfaceMapped
}

// SupportsAVC420 reports whether the negotiated capability version
// includes AVC420 H.264 region delivery.
func (c *Controller) SupportsAVC420() bool {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return c.shared.supportsAVC420
}

// SendFrame submits one encoded Annex-B H.264 frame for delivery over the
// EGFX channel. It returns false without sending when the channel is not
// surface-mapped, the in-flight frame count has hit maxInFlightFrames, or
// no output sink has been configured yet.
func (c *Controller) SendFrame(h264Data []byte, width, height uint16, timestampMs uint32) bool {
	c.shared.mu.Lock()

	if c.shared.sink == nil || c.shared.state != StateSurfaceMapped {
		c.shared.mu.Unlock()
		return false
	}
	if c.shared.inFlight >= maxInFlightFrames {
		c.shared.mu.Unlock()
		return false
	}

	c.shared.frameID++
	frameID := c.shared.frameID
	c.shared.inFlight++
	surfaceID := c.shared.surfaceID
	channelID := c.shared.channelID
	sink := c.shared.sink
	c.shared.mu.Unlock()

	var out []byte
	out = append(out, encodeStartFrame(frameID, timestampMs)...)
	out = append(out, encodeWireToSurface1AVC420(surfaceID, width, height, h264Data)...)
	out = append(out, encodeEndFrame(frameID)...)

	sink <- DVCOutput{ChannelID: channelID, Data: WrapZGFX(out)}
	return true
}

// Resize tears down the current surface, sends ResetGraphics, and maps a
// fresh surface at the new dimensions, forcing the next sent frame to be a
// keyframe so the client can decode immediately (spec.md §4.3).
func (c *Controller) Resize(width, height uint16) {
	c.shared.mu.Lock()

	c.shared.width = width
	c.shared.height = height

	if c.shared.state != StateReady && c.shared.state != StateSurfaceMapped {
		c.shared.mu.Unlock()
		return
	}
	c.shared.needsKeyframe = true

	var out []byte
	if c.shared.surfaceID != 0 {
		out = append(out, encodeDeleteSurface(c.shared.surfaceID)...)
	}
	out = append(out, encodeResetGraphics(uint32(width), uint32(height))...)

	bridge := &Bridge{shared: c.shared}
	out = append(out, bridge.createAndMapSurfaceLocked()...)

	channelID := c.shared.channelID
	sink := c.shared.sink
	c.shared.mu.Unlock()

	if sink == nil {
		return
	}
	sink <- DVCOutput{ChannelID: channelID, Data: WrapZGFX(out)}
}

// EventSetter wires the server's DVC output sink into shared EGFX state
// after the RDP server owning the channel has been constructed — the
// Controller is handed to the display handler before that sink exists.
type EventSetter struct {
	shared *shared
}

// SetSink installs ch as the destination for DVC output produced by
// CapsConfirm/surface setup and by Controller.SendFrame/Resize.
func (e *EventSetter) SetSink(ch chan<- DVCOutput) {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	e.shared.sink = ch
}

// New constructs the three EGFX handles for one display pipeline:
// a BridgeFactory to register with the DVC channel registrar, a
// Controller for the encode/display pipeline to push frames through, and
// an EventSetter to wire the server's output sink in after construction.
func New(width, height uint16) (*BridgeFactory, *Controller, *EventSetter) {
	s := &shared{state: StateClosed, width: width, height: height}
	return &BridgeFactory{shared: s}, &Controller{shared: s}, &EventSetter{shared: s}
}
