//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// peekConn buffers reads so the fallback monitor can wait for data without
// consuming it.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
}

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a buffered connection that must be used for all reads and
// passed to Add.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add registers a wrapped connection by spawning a goroutine that waits for
// data with a one-byte peek.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return net.ErrClosed
	}
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(pc, resume)
	return nil
}

// monitor signals readiness whenever data is buffered, then waits for the
// reader to call Resume before peeking again so the two never touch the
// buffer concurrently.
func (e *Epoll) monitor(pc *peekConn, resume chan struct{}) {
	for {
		_, err := pc.r.Peek(1)

		// On error the server's read path detects the closure.
		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-resume:
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor for conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	resume, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}
