// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcie

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// InterruptSource delivers the board's MSI-X vector 0 completion interrupt
// to Go waiters as wakeups on a buffered channel, the same epoll-fd-plus-
// channel shape a sysfs GPIO edge-wait helper uses, adapted from a per-pin
// sysfs edge file to a VFIO eventfd.
//
// The interrupt only wakes waiters; it carries no payload. Callers are
// expected to re-read the DMA status register themselves once woken — the
// handler itself does no register I/O beyond acknowledging.
type InterruptSource struct {
	evfd   int
	epfd   int
	notify chan struct{}
	stop   chan struct{}
}

// NewInterruptSource creates an eventfd and an epoll instance watching it.
// The returned EventFD is meant to be handed to VFIO_DEVICE_SET_IRQS so the
// kernel signals it on vector 0.
func NewInterruptSource() (*InterruptSource, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("pcie: eventfd: %w", err)
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pcie: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, fmt.Errorf("pcie: epoll_ctl: %w", err)
	}
	is := &InterruptSource{
		evfd:   fd,
		epfd:   epfd,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go is.loop()
	return is, nil
}

// EventFD is the raw file descriptor to register with the kernel as the
// MSI-X vector 0 signal.
func (is *InterruptSource) EventFD() int {
	return is.evfd
}

const epollPollMillis = 100

func (is *InterruptSource) loop() {
	events := make([]unix.EpollEvent, 1)
	for {
		select {
		case <-is.stop:
			return
		default:
		}
		n, err := unix.EpollWait(is.epfd, events, epollPollMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		var buf [8]byte
		// Drain the eventfd counter; its value is uninteresting, only the
		// fact that it was nonzero is.
		unix.Read(is.evfd, buf[:])
		select {
		case is.notify <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until an interrupt arrives, ctx is done, or the source is
// closed.
func (is *InterruptSource) Wait(ctx context.Context) error {
	select {
	case <-is.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-is.stop:
		return fmt.Errorf("pcie: interrupt source closed")
	}
}

// Close stops the epoll loop and releases both file descriptors.
func (is *InterruptSource) Close() error {
	close(is.stop)
	if err := unix.Close(is.epfd); err != nil {
		unix.Close(is.evfd)
		return err
	}
	return unix.Close(is.evfd)
}
