package rdpserver

import (
	"log/slog"

	"github.com/deskrelay/rdpd/internal/input"
)

// KeyboardEventKind discriminates the KeyboardEvent union delivered by the
// RDP protocol engine's fast-path input decoder.
type KeyboardEventKind int

const (
	KeyPressed KeyboardEventKind = iota
	KeyReleased
	KeyUnicodePressed
	KeyUnicodeReleased
	KeySynchronize
)

// KeyboardEvent mirrors ironrdp_server::KeyboardEvent's variants, per
// cosmic-rdp-server/src/server.rs's LiveInputHandler::keyboard match.
type KeyboardEvent struct {
	Kind      KeyboardEventKind
	Code      uint8
	Extended  bool
	Codepoint rune
	Caps      bool
	Num       bool
	Scroll    bool
}

// MouseEventKind discriminates the MouseEvent union.
type MouseEventKind int

const (
	MouseMove MouseEventKind = iota
	MouseRelMove
	MouseLeftPressed
	MouseLeftReleased
	MouseRightPressed
	MouseRightReleased
	MouseMiddlePressed
	MouseMiddleReleased
	MouseButton4Pressed
	MouseButton4Released
	MouseButton5Pressed
	MouseButton5Released
	MouseVerticalScroll
	MouseScroll
)

// MouseEvent mirrors ironrdp_server::MouseEvent's variants.
type MouseEvent struct {
	Kind MouseEventKind
	X, Y float32
	// VerticalScroll uses Y only; Scroll uses both X and Y as axis deltas.
}

// InputHandler is the per-connection input-handler contract §4.7
// describes: keyboard and mouse events decoded from the fast-path PDU
// stream by the RDP protocol engine.
type InputHandler interface {
	Keyboard(event KeyboardEvent)
	Mouse(event MouseEvent)
}

// StaticInputHandler logs events but injects nothing, used for
// --static-display test mode and view-only connections.
type StaticInputHandler struct {
	Logger *slog.Logger
}

func (h StaticInputHandler) Keyboard(event KeyboardEvent) {
	h.Logger.Debug("keyboard event received (static handler)", "kind", event.Kind)
}

func (h StaticInputHandler) Mouse(event MouseEvent) {
	h.Logger.Debug("mouse event received (static handler)", "kind", event.Kind)
}

// LiveInputHandler injects keyboard and mouse events into the compositor
// via an EiInput backend, translating each RDP event variant to the
// corresponding libei call per spec.md §4.8; Unicode key events with no
// control-key fallback are logged and dropped. Grounded on
// cosmic-rdp-server/src/server.rs's LiveInputHandler.
type LiveInputHandler struct {
	input  *input.EiInput
	logger *slog.Logger
}

func NewLiveInputHandler(ei *input.EiInput, logger *slog.Logger) *LiveInputHandler {
	return &LiveInputHandler{input: ei, logger: logger}
}

func (h *LiveInputHandler) Keyboard(event KeyboardEvent) {
	switch event.Kind {
	case KeyPressed:
		h.input.KeyEvent(event.Code, event.Extended, true)
	case KeyReleased:
		h.input.KeyEvent(event.Code, event.Extended, false)
	case KeyUnicodePressed:
		if evdev, ok := input.UnicodeControlFallback(event.Codepoint); ok {
			h.input.KeyEventEvdev(evdev, true)
			return
		}
		h.logger.Debug("unicode key press ignored (no control fallback)", "codepoint", event.Codepoint)
	case KeyUnicodeReleased:
		if evdev, ok := input.UnicodeControlFallback(event.Codepoint); ok {
			h.input.KeyEventEvdev(evdev, false)
			return
		}
		h.logger.Debug("unicode key release ignored (no control fallback)", "codepoint", event.Codepoint)
	case KeySynchronize:
		h.input.SyncLocks(input.LockState{Caps: event.Caps, Num: event.Num, Scroll: event.Scroll})
	}
}

func (h *LiveInputHandler) Mouse(event MouseEvent) {
	switch event.Kind {
	case MouseMove:
		h.input.MouseMoveAbsolute(event.X, event.Y)
	case MouseRelMove:
		h.input.MouseMoveRelative(event.X, event.Y)
	case MouseLeftPressed:
		h.input.MouseButtonEvent(input.ButtonLeft, true)
	case MouseLeftReleased:
		h.input.MouseButtonEvent(input.ButtonLeft, false)
	case MouseRightPressed:
		h.input.MouseButtonEvent(input.ButtonRight, true)
	case MouseRightReleased:
		h.input.MouseButtonEvent(input.ButtonRight, false)
	case MouseMiddlePressed:
		h.input.MouseButtonEvent(input.ButtonMiddle, true)
	case MouseMiddleReleased:
		h.input.MouseButtonEvent(input.ButtonMiddle, false)
	case MouseButton4Pressed:
		h.input.MouseButtonEvent(input.ButtonBack, true)
	case MouseButton4Released:
		h.input.MouseButtonEvent(input.ButtonBack, false)
	case MouseButton5Pressed:
		h.input.MouseButtonEvent(input.ButtonForward, true)
	case MouseButton5Released:
		h.input.MouseButtonEvent(input.ButtonForward, false)
	case MouseVerticalScroll:
		h.input.Scroll(0, event.Y)
	case MouseScroll:
		h.input.Scroll(event.X, event.Y)
	}
}
