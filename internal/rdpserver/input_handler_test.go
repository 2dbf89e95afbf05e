package rdpserver

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskrelay/rdpd/internal/input"
)

// The libei EIS wire framing is (object_id uint32, size<<16|opcode uint32,
// payload...), little-endian; see internal/input/libei.go. These helpers
// build and parse that framing from the server side of a loopback socket
// so LiveInputHandler's dispatch can be exercised without a real
// compositor.
var leTest = binary.LittleEndian

func writeEisFrame(t *testing.T, conn net.Conn, objectID uint32, opcode uint16, payload []byte) {
	t.Helper()
	size := uint16(8 + len(payload))
	buf := make([]byte, size)
	leTest.PutUint32(buf[0:], objectID)
	leTest.PutUint32(buf[4:], uint32(opcode)|uint32(size)<<16)
	copy(buf[8:], payload)
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func readEisFrame(t *testing.T, conn net.Conn) (objectID uint32, opcode uint16, payload []byte) {
	t.Helper()
	header := make([]byte, 8)
	_, err := fullRead(conn, header)
	require.NoError(t, err)
	objectID = leTest.Uint32(header[0:4])
	sizeOpcode := leTest.Uint32(header[4:8])
	size := int(sizeOpcode >> 16)
	opcode = uint16(sizeOpcode & 0xffff)
	payload = make([]byte, size-8)
	if len(payload) > 0 {
		_, err = fullRead(conn, payload)
		require.NoError(t, err)
	}
	return
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dialHandshakedEiInput stands up a Unix listener that performs the
// minimal libei sender handshake (capability announce, device announce,
// device resumed) then hands the server-side conn to the caller for
// further frame assertions.
func dialHandshakedEiInput(t *testing.T) (*input.EiInput, net.Conn) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "eis.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// ei_seat.capability: advertise keyboard, pointer, absolute
		// pointer, button, and scroll support.
		caps := make([]byte, 8)
		leTest.PutUint64(caps, 1<<1|1<<2|1<<3|1<<4|1<<5)
		writeEisFrame(t, conn, 2, 1, caps)
		// ei_seat.device: tells the client to bind every capability.
		writeEisFrame(t, conn, 2, 2, nil)
		// ei_device.resumed: completes the handshake.
		writeEisFrame(t, conn, 3, 3, nil)
		serverConnCh <- conn
	}()

	ei, err := input.NewEiInput(sockPath, discardLogger())
	require.NoError(t, err)

	select {
	case conn := <-serverConnCh:
		return ei, conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil
	}
}

func TestLiveInputHandler_KeyPressed_SendsEvdevMinusEightOffset(t *testing.T) {
	ei, conn := dialHandshakedEiInput(t)
	defer ei.Close()
	defer conn.Close()

	h := NewLiveInputHandler(ei, discardLogger())
	// Scancode 0x1E is 'A' on a US XT keyboard layout. RDPScancodeToEvdev
	// returns the XKB-offset code (38); the wire event carries the raw
	// evdev code (38-8=30, Linux KEY_A).
	h.Keyboard(KeyboardEvent{Kind: KeyPressed, Code: 0x1E, Extended: false})

	// The client first sends start_emulating (objDevice=3, opcode 0).
	objectID, opcode, _ := readEisFrame(t, conn)
	require.Equal(t, uint32(3), objectID)
	require.Equal(t, uint16(0), opcode)

	// Then the key event itself (objKeyboard=4, opcode 0): raw evdev, state=1.
	objectID, opcode, payload := readEisFrame(t, conn)
	require.Equal(t, uint32(4), objectID)
	require.Equal(t, uint16(0), opcode)
	require.Len(t, payload, 8)
	require.Equal(t, uint32(30), leTest.Uint32(payload[0:4]))
	require.Equal(t, uint32(1), leTest.Uint32(payload[4:8]))

	// Then frame (objDevice=3, opcode 2).
	objectID, opcode, _ = readEisFrame(t, conn)
	require.Equal(t, uint32(3), objectID)
	require.Equal(t, uint16(2), opcode)
}

func TestLiveInputHandler_MouseLeftPressed_SendsButtonCode(t *testing.T) {
	ei, conn := dialHandshakedEiInput(t)
	defer ei.Close()
	defer conn.Close()

	h := NewLiveInputHandler(ei, discardLogger())
	h.Mouse(MouseEvent{Kind: MouseLeftPressed})

	readEisFrame(t, conn) // start_emulating
	objectID, opcode, payload := readEisFrame(t, conn)
	require.Equal(t, uint32(7), objectID, "objButton")
	require.Equal(t, uint16(0), opcode)
	require.Equal(t, uint32(input.ButtonLeft), leTest.Uint32(payload[0:4]))
	require.Equal(t, uint32(1), leTest.Uint32(payload[4:8]))
}

func TestStaticInputHandler_DoesNotPanic(t *testing.T) {
	h := StaticInputHandler{Logger: discardLogger()}
	h.Keyboard(KeyboardEvent{Kind: KeyPressed})
	h.Mouse(MouseEvent{Kind: MouseMove})
}
