//go:build linux

package reactor

import "golang.org/x/sys/unix"

// epollPoller implements poller using Linux epoll(7), following the
// teacher's reactor/reactor_linux.go: one epoll instance, level-triggered
// (no EPOLLET — the spec's connection state machine re-arms interest
// explicitly rather than relying on edge semantics).
type epollPoller struct {
	epfd int
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd}, nil
}

func toEpollEvents(interest InterestMask) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, interest InterestMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) update(fd int, interest InterestMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeoutMs int, dst []polledEvent) ([]polledEvent, error) {
	const maxEvents = 64 // kMaxEvents, spec §4.3
	var raw [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		var rev RevEvents
		e := raw[i].Events
		if e&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && e&unix.EPOLLIN == 0 {
			rev |= RevError
		}
		if e&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
			rev |= RevRead
		}
		if e&unix.EPOLLOUT != 0 {
			rev |= RevWrite
		}
		dst = append(dst, polledEvent{fd: int(raw[i].Fd), rev: rev})
	}
	return dst, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

// newWakeupFD creates an eventfd used to force EpollWait out of its block
// from another thread (run_in_loop / queue_in_loop, spec §4.3).
func newWakeupFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func drainWakeupFD(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func signalWakeupFD(fd int) error {
	one := [8]byte{1}
	_, err := unix.Write(fd, one[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
