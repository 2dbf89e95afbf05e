package broker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTPKT builds a TPKT+X.224-CR-shaped packet with the given payload
// tail appended after the fixed 6-byte X.224 header bytes.
func buildTPKT(tail string) []byte {
	payload := []byte{0x1E, 0xE0, 0, 0, 0, 0}
	payload = append(payload, []byte(tail)...)
	length := len(payload) + 4
	header := []byte{3, 0, byte(length >> 8), byte(length)}
	return append(header, payload...)
}

func TestReadX224ConnectionRequest_HappyPath(t *testing.T) {
	pkt := buildTPKT("Cookie: mstshash=alice\r\n")
	got, err := ReadX224ConnectionRequest(bytes.NewReader(pkt))
	require.NoError(t, err)
	assert.Equal(t, pkt, got)
}

func TestReadX224ConnectionRequest_BadVersion(t *testing.T) {
	pkt := buildTPKT("Cookie: mstshash=alice\r\n")
	pkt[0] = 4
	_, err := ReadX224ConnectionRequest(bytes.NewReader(pkt))
	assert.ErrorIs(t, err, ErrInvalidTPKT)
}

func TestReadX224ConnectionRequest_TooShort(t *testing.T) {
	pkt := []byte{3, 0, 0, 5, 0, 0}
	_, err := ReadX224ConnectionRequest(bytes.NewReader(pkt))
	assert.ErrorIs(t, err, ErrTPKTTooShort)
}

func TestReadX224ConnectionRequest_TooLong(t *testing.T) {
	header := []byte{3, 0, 0xFF, 0xFF}
	_, err := ReadX224ConnectionRequest(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrTPKTTooLong)
}

func TestReadX224ConnectionRequest_NotCR(t *testing.T) {
	payload := []byte{0x1E, 0xD0, 0, 0, 0, 0, 'x'}
	length := len(payload) + 4
	header := []byte{3, 0, byte(length >> 8), byte(length)}
	pkt := append(header, payload...)
	_, err := ReadX224ConnectionRequest(bytes.NewReader(pkt))
	assert.ErrorIs(t, err, ErrNotX224CR)
}

func TestExtractCookieUsername_HappyPath(t *testing.T) {
	pkt := buildTPKT("Cookie: mstshash=alice\r\n")
	user, err := ExtractCookieUsername(pkt)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestExtractCookieUsername_CaseInsensitivePrefix(t *testing.T) {
	pkt := buildTPKT("COOKIE: MSTSHASH=bob\r\n")
	user, err := ExtractCookieUsername(pkt)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
}

func TestExtractCookieUsername_UnsafeRejected(t *testing.T) {
	pkt := buildTPKT("Cookie: mstshash=alice;rm -rf\r\n")
	_, err := ExtractCookieUsername(pkt)
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestExtractCookieUsername_TooLongRejected(t *testing.T) {
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	pkt := buildTPKT("Cookie: mstshash=" + string(long) + "\r\n")
	_, err := ExtractCookieUsername(pkt)
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestExtractCookieUsername_Missing(t *testing.T) {
	pkt := buildTPKT("no cookie here")
	_, err := ExtractCookieUsername(pkt)
	assert.ErrorIs(t, err, ErrNoCookie)
}

func TestExtractCookieUsername_AllowedCharset(t *testing.T) {
	pkt := buildTPKT("Cookie: mstshash=a.b-c_d\r\n")
	user, err := ExtractCookieUsername(pkt)
	require.NoError(t, err)
	assert.Equal(t, "a.b-c_d", user)
}
