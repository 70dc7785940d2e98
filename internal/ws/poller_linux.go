//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	armEvents     = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	waitTimeoutMs = 500
)

// epollPoller registers sockets one-shot: after an event fires the fd is
// disarmed until Rearm. Wait wakes up periodically so the event loop sees
// shutdown.
type epollPoller struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int32]*Connection
	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{
		fd:     fd,
		byFd:   make(map[int32]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *epollPoller) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return fmt.Errorf("ws: connection %s has no socket fd", c.ID)
	}
	p.mu.Lock()
	c.fd = fd
	p.byFd[int32(fd)] = c
	p.mu.Unlock()

	if err := p.ctl(unix.EPOLL_CTL_ADD, c); err != nil {
		p.mu.Lock()
		delete(p.byFd, int32(fd))
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) Rearm(c *Connection) error {
	return p.ctl(unix.EPOLL_CTL_MOD, c)
}

func (p *epollPoller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.byFd[int32(c.fd)] != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.byFd, int32(c.fd))
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil)
}

func (p *epollPoller) ctl(op int, c *Connection) error {
	ev := unix.EpollEvent{Events: armEvents, Fd: int32(c.fd)}
	if err := unix.EpollCtl(p.fd, op, c.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl conn=%s: %w", c.ID, err)
	}
	return nil
}

func (p *epollPoller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.byFd[p.events[i].Fd]; ok {
			conns = append(conns, c)
		}
	}
	return conns, nil
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	p.byFd = make(map[int32]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD reads the fd through SyscallConn, which unlike File() does not
// dup it.
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
