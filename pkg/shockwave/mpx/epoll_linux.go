//go:build linux

package mpx

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollMpx implements Multiplexer over Linux epoll in edge-triggered,
// oneshot mode. golang.org/x/sys/unix is used instead of the standard
// library's syscall package because syscall does not export
// EPOLLET/EPOLLONESHOT portably across Go versions, while x/sys/unix does.
type epollMpx struct {
	epfd int

	mu      sync.Mutex
	cookies map[int32]interface{}
}

// New creates a Linux epoll-backed Multiplexer.
func New() (Multiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollMpx{epfd: fd, cookies: make(map[int32]interface{})}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var ev uint32 = unix.EPOLLET | unix.EPOLLONESHOT
	if mask&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) EventMask {
	var mask EventMask
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		mask |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= EventWrite
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		mask |= EventHup
	}
	return mask
}

func (m *epollMpx) Add(fd int, mask EventMask, cookie interface{}) error {
	m.mu.Lock()
	m.cookies[int32(fd)] = cookie
	m.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (m *epollMpx) Modify(fd int, mask EventMask, cookie interface{}) error {
	m.mu.Lock()
	m.cookies[int32(fd)] = cookie
	m.mu.Unlock()

	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (m *epollMpx) Remove(fd int) error {
	m.mu.Lock()
	delete(m.cookies, int32(fd))
	m.mu.Unlock()

	// EpollCtl with a nil event is accepted by modern kernels; some
	// older ones require a non-nil (but ignored) event for EPOLL_CTL_DEL.
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

func (m *epollMpx) Wait(events []Event, timeoutMs int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(m.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, err
	}

	m.mu.Lock()
	for i := 0; i < n; i++ {
		cookie := m.cookies[raw[i].Fd]
		events = append(events, Event{
			Fd:     int(raw[i].Fd),
			Mask:   fromEpollEvents(raw[i].Events),
			Cookie: cookie,
		})
	}
	m.mu.Unlock()

	return events, nil
}

func (m *epollMpx) Close() error {
	return unix.Close(m.epfd)
}
