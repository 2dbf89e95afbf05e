package broker

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// proxyBytes opens a TCP connection to 127.0.0.1:port, writes preamble
// verbatim, then copies bytes bidirectionally until either side closes,
// per spec.md §4.1 step (e). Each direction is copied independently so
// bytes within a direction preserve source order with no cross-direction
// reordering (spec.md §5).
func proxyBytes(client net.Conn, port uint16, preamble []byte) error {
	backend, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("dial backend: %w", err)
	}
	defer backend.Close()

	if _, err := backend.Write(preamble); err != nil {
		return fmt.Errorf("replay X.224 CR to backend: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(backend, client) //nolint:errcheck
		if tcp, ok := backend.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, backend) //nolint:errcheck
		if tcp, ok := client.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()
	wg.Wait()
	return nil
}
