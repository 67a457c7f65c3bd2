//go:build linux

package iobroker

import (
	"time"

	"golang.org/x/sys/unix"
)

// New creates a Broker backed by epoll, the default and preferred
// backend on Linux.
func New() (Broker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, ErrNoSet
	}
	return &epollBroker{
		epfd:     epfd,
		registry: newRegistry(MaxUsableFDs()),
	}, nil
}

type epollBroker struct {
	epfd     int
	registry *registry
}

func toUnixEvents(e Events) uint32 {
	var u uint32
	if e&In != 0 {
		u |= unix.EPOLLIN
	}
	if e&Pri != 0 {
		u |= unix.EPOLLPRI
	}
	if e&Out != 0 {
		u |= unix.EPOLLOUT
	}
	return u
}

func fromUnixEvents(u uint32) Events {
	var e Events
	if u&unix.EPOLLIN != 0 {
		e |= In
	}
	if u&unix.EPOLLPRI != 0 {
		e |= Pri
	}
	if u&unix.EPOLLOUT != 0 {
		e |= Out
	}
	if u&unix.EPOLLERR != 0 {
		e |= Err
	}
	if u&unix.EPOLLHUP != 0 {
		e |= Hup
	}
	return e
}

func (b *epollBroker) Register(fd int, arg interface{}, handler Handler) error {
	if b.epfd < 0 {
		return ErrNotInitialized
	}
	if err := b.registry.add(fd, arg, handler); err != nil {
		return err
	}

	ev := unix.EpollEvent{
		Events: toUnixEvents(In) | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		b.registry.remove(fd)
		return ErrLib
	}
	return nil
}

func (b *epollBroker) Unregister(fd int) error {
	if b.epfd < 0 {
		return ErrNotInitialized
	}
	if err := b.registry.remove(fd); err != nil {
		return err
	}
	// Errors from EpollCtl(DEL) are deliberately ignored: if fd was
	// already closed out from under us, the kernel already dropped it
	// from the interest list.
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (b *epollBroker) Close(fd int) error {
	if err := b.Unregister(fd); err != nil {
		return err
	}
	return unix.Close(fd)
}

func (b *epollBroker) Poll(timeout time.Duration) (int, error) {
	if b.epfd < 0 {
		return 0, ErrNotInitialized
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	events := make([]unix.EpollEvent, b.registry.numFDs())
	if len(events) == 0 {
		events = make([]unix.EpollEvent, 1)
	}

	n, err := unix.EpollWait(b.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, ErrLib
	}

	serviced := 0
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		reg, ok := b.registry.get(fd)
		if !ok {
			continue
		}
		if err := reg.handler(fd, fromUnixEvents(events[i].Events), reg.arg); err != nil {
			continue
		}
		serviced++
	}
	return serviced, nil
}

func (b *epollBroker) NumFDs() int { return b.registry.numFDs() }
func (b *epollBroker) MaxFDs() int { return b.registry.maxFDsCap() }

func (b *epollBroker) Destroy() error {
	if b.epfd < 0 {
		return nil
	}
	err := unix.Close(b.epfd)
	b.epfd = -1
	if err != nil {
		return ErrLib
	}
	return nil
}
