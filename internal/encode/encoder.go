// Package encode wraps a hardware-accelerated H.264 encoding pipeline:
// raw BGRA frames in, Annex-B byte-stream NAL units out.
package encode

import (
	"fmt"
	"log/slog"
)

// EncodedFrame is one encoder output: a byte-stream Annex-B NAL unit plus
// its timing and keyframe status.
type EncodedFrame struct {
	Data       []byte
	PTSMicros  int64
	DurationMs int64
	IsKeyframe bool
}

// Config configures an Encoder at construction and on resize-triggered
// recreation.
type Config struct {
	Width            uint16
	Height           uint16
	FramerateHz      uint16
	BitrateBPS       uint32
	KeyframeInterval uint32
	LowLatency       bool
	PreferredBackend Backend // zero value lets the encoder probe
}

// Backend identifies an H.264 encoder implementation.
type Backend int

const (
	// BackendAuto probes VAAPI, then NVENC, then falls back to x264.
	BackendAuto Backend = iota
	BackendVAAPI
	BackendNVENC
	BackendSoftware
)

func (b Backend) String() string {
	switch b {
	case BackendVAAPI:
		return "VAAPI"
	case BackendNVENC:
		return "NVENC"
	case BackendSoftware:
		return "x264 (software)"
	default:
		return "auto"
	}
}

// elementName is the GStreamer element factory name for a concrete
// backend; BackendAuto has no single element and must be resolved first.
func (b Backend) elementName() (string, error) {
	switch b {
	case BackendVAAPI:
		return "vaapih264enc", nil
	case BackendNVENC:
		return "nvh264enc", nil
	case BackendSoftware:
		return "x264enc", nil
	default:
		return "", fmt.Errorf("encode: backend %v has no single element name", b)
	}
}

// Encoder is the per-connection H.264 encoding session. One Encoder
// encodes one resolution; a dimension change requires a new Encoder.
type Encoder interface {
	// EncodeFrame pushes a raw BGRA frame and returns an encoded frame if
	// one is ready. A nil frame with a nil error is not an error — the
	// encoder may still be buffering.
	EncodeFrame(bgraData []byte) (*EncodedFrame, error)
	ForceKeyframe()
	SetBitrate(bps uint32)
	Backend() Backend
	Close() error
}

// Factory constructs a concrete Encoder from a Config, abstracting over
// GstEncoder so Session can be tested without GStreamer.
type Factory func(cfg Config, logger *slog.Logger) (Encoder, error)

// Session lazily creates and recreates an Encoder as frame dimensions
// change, per spec.md §4.5: the per-connection encoder is created on the
// first frame whose dimensions are known, and a later frame with
// different dimensions triggers recreation at the new size plus a
// forced keyframe.
type Session struct {
	factory Factory
	base    Config
	logger  *slog.Logger

	current Encoder
	width   uint16
	height  uint16
}

// NewSession returns a Session with no encoder yet created. base supplies
// everything except Width/Height, which come from the frames pushed to
// EncodeFrame.
func NewSession(factory Factory, base Config, logger *slog.Logger) *Session {
	return &Session{factory: factory, base: base, logger: logger}
}

// EncodeFrame encodes a BGRA frame of the given dimensions, creating or
// recreating the underlying Encoder as needed.
func (s *Session) EncodeFrame(width, height uint16, bgraData []byte) (*EncodedFrame, error) {
	if s.current == nil || width != s.width || height != s.height {
		resized := s.current != nil
		if resized {
			_ = s.current.Close()
		}
		cfg := s.base
		cfg.Width, cfg.Height = width, height
		enc, err := s.factory(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.current = enc
		s.width, s.height = width, height
		if resized {
			enc.ForceKeyframe()
		}
	}
	return s.current.EncodeFrame(bgraData)
}

// Close releases the current encoder, if any.
func (s *Session) Close() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
