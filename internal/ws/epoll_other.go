//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the portable stand-in for the Linux poller, for running the server
// on development machines. Each connection gets a monitor goroutine that
// peeks for data, reports readiness, then waits for Resume before peeking
// again so it never races the worker reading the frame.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // wrapped conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can detect data without consuming it.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates the fallback poller. batch sizes the ready queue.
func NewEpoll(batch int) (*Epoll, error) {
	if batch <= 0 {
		batch = 128
	}
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, batch),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the buffered wrapper the server must
// use for all later reads and writes.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[pc] = resume
	e.mu.Unlock()

	go e.monitor(pc, resume)
	return pc, nil
}

func (e *Epoll) monitor(pc *peekConn, resume chan struct{}) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame on conn.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	resume, ok := e.conns[conn]
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is readable and drains whatever
// else is already queued.
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

// Close stops all monitors.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isInterrupted(error) bool { return false }
