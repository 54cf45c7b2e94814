// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pcie is the userspace substrate the board driver runs on: mapping
// BAR0, pinning user buffers for DMA, registering scatter-gather tables with
// the IOMMU, and delivering MSI-X interrupts as eventfd reads.
//
// Window keeps "a typed register view" separate from "how the bytes got
// mapped", generalized from a fixed /dev/gpiomem-style window to an
// arbitrary PCI BAR reached either through sysfs resourceN files or a VFIO
// region fd. It builds on golang.org/x/sys/unix for mmap/ioctl/eventfd
// work rather than the stdlib syscall package.
package pcie

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Window is a memory-mapped view of a PCI BAR, usable as a regs.Backing.
type Window struct {
	data []byte
	f    *os.File
}

// MapResource mmaps the kernel's sysfs resource file for one PCI BAR,
// e.g. "/sys/bus/pci/devices/0000:01:00.0/resource0". size is the BAR's
// declared length.
func MapResource(path string, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pcie: open %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pcie: mmap %s: %w", path, err)
	}
	return &Window{data: data, f: f}, nil
}

// MapVFIORegion mmaps a region already obtained through
// VFIO_DEVICE_GET_REGION_INFO on fd, at the given offset and size (VFIO
// regions are addressed by an offset encoded by the kernel, not zero).
func MapVFIORegion(fd int, offset int64, size int) (*Window, error) {
	data, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pcie: mmap vfio region at %#x: %w", offset, err)
	}
	return &Window{data: data}, nil
}

// Bytes implements regs.Backing.
func (w *Window) Bytes() []byte { return w.data }

// Close unmaps the window and releases the backing file handle, if any.
func (w *Window) Close() error {
	err := unix.Munmap(w.data)
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
