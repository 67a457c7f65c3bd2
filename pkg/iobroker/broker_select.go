//go:build !unix

package iobroker

import "time"

// New creates a Broker on platforms with neither epoll nor poll(2)
// available to this module. This broker has no readiness mechanism: it
// keeps the registrations, but Poll only sleeps for the timeout (50ms
// for a negative timeout while descriptors are registered) and returns
// 0 without invoking any handler, and Close unregisters a descriptor
// without closing it.
func New() (Broker, error) {
	return &selectBroker{registry: newRegistry(MaxUsableFDs())}, nil
}

type selectBroker struct {
	registry *registry
}

func (b *selectBroker) Register(fd int, arg interface{}, handler Handler) error {
	return b.registry.add(fd, arg, handler)
}

func (b *selectBroker) Unregister(fd int) error {
	return b.registry.remove(fd)
}

func (b *selectBroker) Close(fd int) error {
	return b.Unregister(fd)
}

func (b *selectBroker) Poll(timeout time.Duration) (int, error) {
	if b.registry.numFDs() == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return 0, nil
	}
	if timeout < 0 {
		timeout = 50 * time.Millisecond
	}
	time.Sleep(timeout)
	return 0, nil
}

func (b *selectBroker) NumFDs() int { return b.registry.numFDs() }
func (b *selectBroker) MaxFDs() int { return b.registry.maxFDsCap() }
func (b *selectBroker) Destroy() error {
	return nil
}
