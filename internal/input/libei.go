package input

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

var le = binary.LittleEndian

// EIS (Emulated Input Server) shares libei's on-wire framing with the
// Wayland display protocol it's modeled after: every message is
// (object_id uint32, size<<16|opcode uint32, args...), little-endian,
// argument encoding (uint32, string, fixed-point, fd) identical to
// Wayland's. No Go or cgo-free libei binding exists in the pack, so this
// client hand-rolls that framing directly over the AF_UNIX socket handed
// back by the portal's OpenPipeWireRemote-equivalent for remote desktop,
// grounded on the same raw socket/SCM_RIGHTS idiom
// other_examples/8fe7e024_thiagojdb-adoctl__pkg-clipboard-internal-wayland-protocol.go.go's
// Wayland clipboard client uses for its own hand-rolled protocol client.
const (
	objConnection uint32 = 1
	objSeat       uint32 = 2
	objDevice     uint32 = 3
	objKeyboard   uint32 = 4
	objPointer    uint32 = 5
	objPointerAbs uint32 = 6
	objButton     uint32 = 7
	objScroll     uint32 = 8
)

// ei_connection request/event opcodes relevant to this client.
const (
	opConnectionDisconnect = 0
	opConnectionSeat       = 1 // event: seat announced
)

// ei_seat event opcodes.
const (
	opSeatCapability = 1
	opSeatDevice     = 2
)

// ei_device event opcodes.
const (
	opDeviceInterface = 1
	opDeviceResumed   = 3
	opDevicePaused    = 2
)

// ei_device request opcodes.
const (
	opDeviceStartEmulating = 0
	opDeviceStopEmulating  = 1
	opDeviceFrame          = 2
)

// ei_keyboard request opcodes.
const opKeyboardKey = 0

// ei_pointer (relative) request opcodes.
const opPointerMotionRelative = 0

// ei_pointer_absolute request opcodes.
const opPointerMotionAbsolute = 0

// ei_button request opcodes.
const opButtonButton = 0

// ei_scroll request opcodes.
const opScrollScroll = 0

// Capability bits advertised by ei_seat.capability events, matching
// libei's published capability mask.
const (
	capPointer         uint64 = 1 << 1
	capPointerAbsolute uint64 = 1 << 2
	capKeyboard        uint64 = 1 << 3
	capButton          uint64 = 1 << 4
	capScroll          uint64 = 1 << 5
)

// InputError wraps a failure to initialize or operate the libei backend.
type InputError struct {
	Op  string
	Err error
}

func (e *InputError) Error() string { return fmt.Sprintf("input: %s: %v", e.Op, e.Err) }
func (e *InputError) Unwrap() error { return e.Err }

// EiInput is a libei sender-role client: it connects, performs the
// handshake, enumerates the seat's capabilities, binds every advertised
// device interface, and injects keyboard/pointer events into the
// compositor. Grounded on spec.md §4.8's event-injection contract
// (start_emulating/frame framing, keycode-8 XKB offset, lock-key
// shadow/diff, button/scroll mapping).
type EiInput struct {
	mu        sync.Mutex
	conn      *eiConn
	logger    *slog.Logger
	seq       uint32
	emulating bool
	locks     LockState
}

type eiConn struct {
	fd    int
	inBuf []byte
}

// NewEiInput connects to the libei EIS socket at sockPath (typically the
// fd path handed back by the portal's ConnectToEIS call) and performs
// the sender handshake: bind ei_connection, wait for ei_seat, bind every
// advertised capability, wait for the device's resumed event.
func NewEiInput(sockPath string, logger *slog.Logger) (*EiInput, error) {
	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, &InputError{Op: "socket", Err: err}
	}
	if err := syscall.Connect(fd, &syscall.SockaddrUnix{Name: sockPath}); err != nil {
		syscall.Close(fd)
		return nil, &InputError{Op: "connect", Err: err}
	}

	c := &eiConn{fd: fd}
	in := &EiInput{conn: c, logger: logger}

	if err := in.handshake(); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return in, nil
}

// handshake performs the object binding and capability negotiation
// described by spec.md §4.8: bind every advertised capability mask and
// wait for the device's resumed event before returning.
func (in *EiInput) handshake() error {
	deadline := time.Now().Add(5 * time.Second)
	var seatCaps uint64
	resumed := false

	for time.Now().Before(deadline) && !resumed {
		objectID, opcode, payload, err := in.conn.readMsg()
		if err != nil {
			return &InputError{Op: "handshake", Err: err}
		}

		switch {
		case objectID == objConnection && opcode == opConnectionSeat:
			// Nothing further to decode: object id for the seat is the
			// fixed objSeat constant assigned by convention below.
		case objectID == objSeat && opcode == opSeatCapability:
			if len(payload) >= 8 {
				seatCaps = le.Uint64(payload[:8])
			}
		case objectID == objSeat && opcode == opSeatDevice:
			// A device was announced; bind every interface it supports
			// based on the seat capability mask already observed.
			in.bindCapabilities(seatCaps)
		case objectID == objDevice && opcode == opDeviceResumed:
			resumed = true
		}
	}

	if !resumed {
		return &InputError{Op: "handshake", Err: fmt.Errorf("timed out waiting for device resumed event")}
	}
	return nil
}

func (in *EiInput) bindCapabilities(caps uint64) {
	if caps&capKeyboard != 0 {
		in.conn.sendMsg(objSeat, opDeviceInterface, encodeUint32(objKeyboard))
	}
	if caps&capPointer != 0 {
		in.conn.sendMsg(objSeat, opDeviceInterface, encodeUint32(objPointer))
	}
	if caps&capPointerAbsolute != 0 {
		in.conn.sendMsg(objSeat, opDeviceInterface, encodeUint32(objPointerAbs))
	}
	if caps&capButton != 0 {
		in.conn.sendMsg(objSeat, opDeviceInterface, encodeUint32(objButton))
	}
	if caps&capScroll != 0 {
		in.conn.sendMsg(objSeat, opDeviceInterface, encodeUint32(objScroll))
	}
}

// ensureEmulating sends start_emulating with an incremented sequence
// number the first time an event batch begins, per spec.md §4.8.
func (in *EiInput) ensureEmulating() {
	if in.emulating {
		return
	}
	in.seq++
	in.conn.sendMsg(objDevice, opDeviceStartEmulating, encodeUint32(in.seq))
	in.emulating = true
}

// endFrame closes a batch of input events with a frame event bearing a
// monotonic microsecond timestamp.
func (in *EiInput) endFrame() {
	in.conn.sendMsg(objDevice, opDeviceFrame, encodeUint64(uint64(time.Now().UnixMicro())))
}

// KeyEvent injects a key press or release, converting the RDP XT
// scancode to an evdev keycode and then to the XKB wire offset
// (evdev - 8) spec.md §4.8 requires. Unmapped scancodes are logged and
// ignored.
func (in *EiInput) KeyEvent(code uint8, extended bool, pressed bool) {
	evdev, ok := RDPScancodeToEvdev(code, extended)
	if !ok {
		in.logger.Debug("unmapped scancode", "code", code, "extended", extended)
		return
	}
	if pressed {
		for _, key := range []LockKey{LockCaps, LockNum, LockScroll} {
			if c, ext := lockKeyScancode(key); c == code && ext == extended {
				in.mu.Lock()
				in.locks.TogglePress(key)
				in.mu.Unlock()
			}
		}
	}
	in.keyEventEvdev(evdev, pressed)
}

// KeyEventEvdev injects a key press or release for an already-resolved
// evdev keycode (the XKB -8 offset is applied here), used by the Unicode
// control-character fallback path which has no RDP scancode to convert.
func (in *EiInput) KeyEventEvdev(evdevCode uint16, pressed bool) {
	in.keyEventEvdev(evdevCode, pressed)
}

func (in *EiInput) keyEventEvdev(evdev uint16, pressed bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.ensureEmulating()
	state := uint32(0)
	if pressed {
		state = 1
	}
	in.conn.sendMsg(objKeyboard, opKeyboardKey, concatBytes(
		encodeUint32(uint32(evdev)-8),
		encodeUint32(state),
	))
	in.endFrame()
}

// MouseMoveAbsolute injects an absolute pointer move to (x, y) in
// desktop pixels.
func (in *EiInput) MouseMoveAbsolute(x, y float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ensureEmulating()
	in.conn.sendMsg(objPointerAbs, opPointerMotionAbsolute, concatBytes(
		encodeFixed(x), encodeFixed(y),
	))
	in.endFrame()
}

// MouseMoveRelative injects a relative pointer move of (dx, dy).
func (in *EiInput) MouseMoveRelative(dx, dy float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ensureEmulating()
	in.conn.sendMsg(objPointer, opPointerMotionRelative, concatBytes(
		encodeFixed(dx), encodeFixed(dy),
	))
	in.endFrame()
}

// MouseButtonEvent presses or releases button.
func (in *EiInput) MouseButtonEvent(button MouseButton, pressed bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ensureEmulating()
	state := uint32(0)
	if pressed {
		state = 1
	}
	in.conn.sendMsg(objButton, opButtonButton, concatBytes(
		encodeUint32(uint32(button)),
		encodeUint32(state),
	))
	in.endFrame()
}

// Scroll injects axis-delta scroll events; a zero-zero call is a no-op
// per spec.md §4.8.
func (in *EiInput) Scroll(dx, dy float32) {
	if dx == 0 && dy == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ensureEmulating()
	in.conn.sendMsg(objScroll, opScrollScroll, concatBytes(
		encodeFixed(dx), encodeFixed(dy),
	))
	in.endFrame()
}

// SyncLocks reconciles the shadow LockState against a client-reported
// state, injecting press+release pairs (as separate frames) for every
// mismatched lock, per spec.md §4.8.
func (in *EiInput) SyncLocks(reported LockState) {
	in.mu.Lock()
	mismatched := in.locks.Diff(reported)
	in.mu.Unlock()

	for _, key := range mismatched {
		code, extended := lockKeyScancode(key)
		in.KeyEvent(code, extended, true)
		in.KeyEvent(code, extended, false)
	}

	in.mu.Lock()
	in.locks.Sync(reported, mismatched)
	in.mu.Unlock()
}

func lockKeyScancode(key LockKey) (code uint8, extended bool) {
	switch key {
	case LockCaps:
		return 0x3A, false
	case LockNum:
		return 0x45, false
	case LockScroll:
		return 0x46, false
	default:
		return 0, false
	}
}

// Close sends a final stop_emulating if an event batch is open and
// closes the underlying socket, per spec.md §4.8's drop semantics.
func (in *EiInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.emulating {
		in.conn.sendMsg(objDevice, opDeviceStopEmulating, nil)
		in.emulating = false
	}
	return syscall.Close(in.conn.fd)
}

func (c *eiConn) sendMsg(objectID uint32, opcode uint16, args []byte) error {
	size := uint16(8 + len(args))
	buf := make([]byte, size)
	le.PutUint32(buf[0:], objectID)
	le.PutUint32(buf[4:], uint32(opcode)|uint32(size)<<16)
	copy(buf[8:], args)
	_, err := syscall.Write(c.fd, buf)
	return err
}

func (c *eiConn) readMsg() (objectID uint32, opcode uint16, payload []byte, err error) {
	for {
		if len(c.inBuf) >= 8 {
			sizeOpcode := le.Uint32(c.inBuf[4:8])
			size := int(sizeOpcode >> 16)
			if size >= 8 && len(c.inBuf) >= size {
				objectID = le.Uint32(c.inBuf[0:4])
				opcode = uint16(sizeOpcode & 0xffff)
				payload = make([]byte, size-8)
				copy(payload, c.inBuf[8:size])
				c.inBuf = c.inBuf[size:]
				return
			}
		}

		buf := make([]byte, 4096)
		n, readErr := syscall.Read(c.fd, buf)
		if readErr != nil {
			return 0, 0, nil, readErr
		}
		if n == 0 {
			return 0, 0, nil, fmt.Errorf("input: EIS connection closed")
		}
		c.inBuf = append(c.inBuf, buf[:n]...)
	}
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	return b
}

// encodeFixed encodes a float as libei's 24.8 fixed-point wire format
// (matching Wayland's wl_fixed_t layout, which libei's wire protocol
// reuses).
func encodeFixed(v float32) []byte {
	fixed := int32(v * 256.0)
	b := make([]byte, 4)
	le.PutUint32(b, uint32(fixed))
	return b
}

func concatBytes(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
