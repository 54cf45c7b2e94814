// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bluenoc

import "time"

// Config carries the board-discovery parameters a real deployment would
// normally take from kernel module parameters or a udev rule: which PCI
// function to bind to BAR0, and the pacing constants the transfer engine
// and the SOFT_RESET/DEACTIVATE ioctls use. Defaulted fields follow a plain struct with a
// documented zero-value behavior rather than a flags/config-file library.
type Config struct {
	// ResourcePath is the sysfs PCI resource file to mmap for BAR0, e.g.
	// "/sys/bus/pci/devices/0000:01:00.0/resource0".
	ResourcePath string
	// ResourceSize is BAR0's declared length in bytes. Must be at least
	// 0x4010 to cover every offset regs.Map defines.
	ResourceSize int
	// VendorID and DeviceID are the PCI identifiers the board must match;
	// NewBoard does not itself enumerate PCI devices (that belongs to a
	// separate CLI/udev layer), so these are recorded on the Board purely
	// for IDENTIFY's subvendor/subdevice fields.
	VendorID, DeviceID uint16

	// FIFOPollInterval is the cadence of the transfer engine's "briefly
	// delay" step between FIFO-full polls. Defaults to 5µs.
	FIFOPollInterval time.Duration
	// DeactivateSettle is how long SOFT_RESET and DEACTIVATE sleep after
	// dropping the NoC activation strobe. Defaults to 100ms.
	DeactivateSettle time.Duration
}

func (c Config) withDefaults() Config {
	if c.FIFOPollInterval == 0 {
		c.FIFOPollInterval = 5 * time.Microsecond
	}
	if c.DeactivateSettle == 0 {
		c.DeactivateSettle = 100 * time.Millisecond
	}
	return c
}
