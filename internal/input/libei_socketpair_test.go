package input

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEndpoint pairs an eiConn with an *os.File so the test can close the
// raw fd without duplicating eiConn's syscall plumbing.
type testEndpoint struct {
	conn *eiConn
	fd   *os.File
}

// newSocketPair creates a connected AF_UNIX SOCK_STREAM pair so
// eiConn's wire framing can be exercised without a real EIS server.
func newSocketPair(t *testing.T) (testEndpoint, testEndpoint) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)

	a := testEndpoint{conn: &eiConn{fd: fds[0]}, fd: os.NewFile(uintptr(fds[0]), "a")}
	b := testEndpoint{conn: &eiConn{fd: fds[1]}, fd: os.NewFile(uintptr(fds[1]), "b")}
	return a, b
}

// write is a test-only helper for feeding eiConn.readMsg partial writes.
func (c *eiConn) write(b []byte) {
	syscall.Write(c.fd, b)
}
