//go:build unix && !linux

package iobroker

import (
	"time"

	"golang.org/x/sys/unix"
)

// New creates a Broker backed by poll(2), used on non-Linux unix
// platforms where epoll isn't available.
func New() (Broker, error) {
	return &pollBroker{registry: newRegistry(MaxUsableFDs())}, nil
}

type pollBroker struct {
	registry *registry
}

func (b *pollBroker) Register(fd int, arg interface{}, handler Handler) error {
	return b.registry.add(fd, arg, handler)
}

func (b *pollBroker) Unregister(fd int) error {
	return b.registry.remove(fd)
}

func (b *pollBroker) Close(fd int) error {
	if err := b.Unregister(fd); err != nil {
		return err
	}
	return unix.Close(fd)
}

func (b *pollBroker) Poll(timeout time.Duration) (int, error) {
	if b.registry.numFDs() == 0 {
		// poll(2) with an empty set just sleeps for the timeout; match
		// that rather than erroring.
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return 0, nil
	}

	fds := make([]unix.PollFd, 0, b.registry.numFDs())
	order := make([]int, 0, b.registry.numFDs())
	for fd := range b.registry.entries {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI})
		order = append(order, fd)
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, ErrLib
	}
	if n == 0 {
		return 0, nil
	}

	serviced := 0
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := order[i]
		reg, ok := b.registry.get(fd)
		if !ok {
			continue
		}

		var e Events
		if pfd.Revents&unix.POLLIN != 0 {
			e |= In
		}
		if pfd.Revents&unix.POLLPRI != 0 {
			e |= Pri
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			e |= Out
		}
		if pfd.Revents&unix.POLLERR != 0 {
			e |= Err
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			e |= Hup
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			e |= Nval
		}

		if err := reg.handler(fd, e, reg.arg); err != nil {
			continue
		}
		serviced++
	}
	return serviced, nil
}

func (b *pollBroker) NumFDs() int { return b.registry.numFDs() }
func (b *pollBroker) MaxFDs() int { return b.registry.maxFDsCap() }
func (b *pollBroker) Destroy() error {
	return nil
}
