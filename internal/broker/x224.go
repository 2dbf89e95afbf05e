package broker

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	maxTPKTLength = 8192
	minTPKTLength = 7
	x224CRCode    = 0xE
	cookiePrefix  = "cookie: mstshash="
	maxUsernameLen = 64
)

// ErrInvalidTPKT and friends classify step (a)/(b) parse failures per
// spec.md §4.1; all are transient per-connection and logged at warn by
// the caller, never surfaced to the client.
var (
	ErrInvalidTPKT    = errors.New("broker: invalid TPKT header")
	ErrTPKTTooShort   = errors.New("broker: TPKT length too short")
	ErrTPKTTooLong    = errors.New("broker: TPKT length too long")
	ErrNotX224CR      = errors.New("broker: not an X.224 Connection Request")
	ErrNoCookie       = errors.New("broker: no mstshash cookie present")
	ErrInvalidUsername = errors.New("broker: cookie username invalid")
)

// usernameCharOK reports whether c is allowed in an mstshash username:
// alphanumeric, underscore, dot, or hyphen.
func usernameCharOK(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-':
		return true
	default:
		return false
	}
}

// ReadX224ConnectionRequest consumes exactly one TPKT-framed X.224 CR from
// r and returns the complete raw bytes of the packet (header + payload)
// for later verbatim replay to the backend, per spec.md §4.1 step (a).
func ReadX224ConnectionRequest(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTPKT, err)
	}
	version := header[0]
	if version != 3 {
		return nil, fmt.Errorf("%w: version=%d", ErrInvalidTPKT, version)
	}
	length := int(header[2])<<8 | int(header[3])
	if length < minTPKTLength {
		return nil, fmt.Errorf("%w: length=%d", ErrTPKTTooShort, length)
	}
	if length > maxTPKTLength {
		return nil, fmt.Errorf("%w: length=%d", ErrTPKTTooLong, length)
	}

	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrInvalidTPKT, err)
	}

	tpduCode := payload[1] >> 4
	if tpduCode != x224CRCode {
		return nil, fmt.Errorf("%w: tpdu_code=0x%x", ErrNotX224CR, tpduCode)
	}

	full := make([]byte, 0, len(header)+len(payload))
	full = append(full, header...)
	full = append(full, payload...)
	return full, nil
}

// ExtractCookieUsername parses the mstshash cookie out of a complete X.224
// CR packet (as returned by ReadX224ConnectionRequest) per spec.md §4.1
// step (b). packet must be at least 10 bytes (4-byte TPKT header plus 6
// payload bytes); the cookie search starts at payload byte 6, i.e. packet
// byte 10.
func ExtractCookieUsername(packet []byte) (string, error) {
	const payloadStart = 4
	const cookieSearchOffset = payloadStart + 6
	if len(packet) < cookieSearchOffset {
		return "", ErrNoCookie
	}

	text := string(packet[cookieSearchOffset:])
	lower := strings.ToLower(text)
	idx := strings.Index(lower, cookiePrefix)
	if idx < 0 {
		return "", ErrNoCookie
	}

	rest := text[idx+len(cookiePrefix):]
	end := strings.Index(rest, "\r\n")
	var username string
	if end >= 0 {
		username = rest[:end]
	} else {
		username = rest
	}

	if username == "" || len(username) > maxUsernameLen {
		return "", ErrInvalidUsername
	}
	for i := 0; i < len(username); i++ {
		if !usernameCharOK(username[i]) {
			return "", ErrInvalidUsername
		}
	}
	return username, nil
}
