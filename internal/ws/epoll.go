//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes connection readiness through a Linux epoll instance so
// idle devices cost no goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates an epoll instance whose Wait returns at most batch
// connections per call.
func NewEpoll(batch int) (*Epoll, error) {
	if batch <= 0 {
		batch = 128
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, batch),
	}, nil
}

// Add registers conn for read readiness. It returns the connection the server
// must use for all later reads and writes; on Linux that is conn itself.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return nil, syscall.EINVAL
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.byFd[fd] = conn
	e.mu.Unlock()
	return conn, nil
}

// Remove unregisters conn. Removing an unknown connection is not an error.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	e.mu.Lock()
	_, known := e.byFd[fd]
	delete(e.byFd, fd)
	e.mu.Unlock()

	if !known {
		return nil
	}
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op: epoll is level-triggered and reports unread data again.
func (e *Epoll) Resume(net.Conn) {}

// Wait blocks until at least one registered connection is readable.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	conns := make([]net.Conn, 0, n)
	e.mu.RLock()
	for i := 0; i < n; i++ {
		if conn, ok := e.byFd[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll descriptor. Connections are not closed.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFd = make(map[int]net.Conn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// isInterrupted reports whether a Wait error is a retryable EINTR.
func isInterrupted(err error) bool {
	return err == unix.EINTR
}

// socketFD returns the descriptor of conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
