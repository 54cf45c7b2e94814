// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package statuscache caches the single 64-bit DMA status word, decoded
// under a lock so that the interrupt source and user-call goroutines never
// race on the individual flags.
//
// The lock here stands in for the kernel's irq-safe spinlock: the critical
// section is always a handful of shifts and masks over an already-read
// uint64, never a blocking call, so a plain sync.Mutex keeps the critical
// section brief and non-blocking without needing to disable interrupts,
// which Go has no user-space handle on anyway.
package statuscache

import "sync"

// Direction selects which half of the status word a Clear or PollMask call
// concerns.
type Direction int

const (
	Read Direction = iota
	Write
)

// FIFODepth is the number of outstanding commands a direction's buffer
// level field can report, matching the status word's 5-bit level field.
const FIFODepth = 16

// Status is the decoded form of the device's DMA status word.
type Status struct {
	ReadBuffersLevel  uint8
	ReadFlushed       bool
	ReadCompleted     bool
	ReadQueueFull     bool
	ReadOK            bool
	WriteBuffersLevel uint8
	WriteCompleted    bool
	WriteQueueFull    bool
	WriteOK           bool
}

// Level returns the outstanding-command count for dir.
func (s Status) Level(dir Direction) uint8 {
	if dir == Write {
		return s.WriteBuffersLevel
	}
	return s.ReadBuffersLevel
}

// QueueFull reports whether dir's FIFO is reported full.
func (s Status) QueueFull(dir Direction) bool {
	if dir == Write {
		return s.WriteQueueFull
	}
	return s.ReadQueueFull
}

// Completed reports whether dir's in-flight request finished.
func (s Status) Completed(dir Direction) bool {
	if dir == Write {
		return s.WriteCompleted
	}
	return s.ReadCompleted
}

// SlotsFree returns the number of free command slots in dir's FIFO.
func (s Status) SlotsFree(dir Direction) int {
	return FIFODepth - int(s.Level(dir))
}

// Decode unpacks the raw device word per the status register's bit layout.
func Decode(word uint64) Status {
	return Status{
		ReadBuffersLevel:  uint8(word & 0x1F),
		ReadFlushed:       word&(1<<5) != 0,
		ReadCompleted:     word&(1<<6) != 0,
		ReadQueueFull:     word&(1<<7) != 0,
		ReadOK:            word&(1<<8) != 0,
		WriteBuffersLevel: uint8((word >> 32) & 0x1F),
		WriteCompleted:    word&(1<<38) != 0,
		WriteQueueFull:    word&(1<<39) != 0,
		WriteOK:           word&(1<<40) != 0,
	}
}

// Encode packs s back into a raw device word, the inverse of Decode. The
// device itself only ever produces words through hardware; Encode exists
// for simulated hardware in tests that need to hand a Cache something to
// decode.
func Encode(s Status) uint64 {
	var word uint64
	word |= uint64(s.ReadBuffersLevel) & 0x1F
	if s.ReadFlushed {
		word |= 1 << 5
	}
	if s.ReadCompleted {
		word |= 1 << 6
	}
	if s.ReadQueueFull {
		word |= 1 << 7
	}
	if s.ReadOK {
		word |= 1 << 8
	}
	word |= (uint64(s.WriteBuffersLevel) & 0x1F) << 32
	if s.WriteCompleted {
		word |= 1 << 38
	}
	if s.WriteQueueFull {
		word |= 1 << 39
	}
	if s.WriteOK {
		word |= 1 << 40
	}
	return word
}

// Device is the register-level source a Cache refreshes itself from.
type Device interface {
	DMAStatusWord() uint64
	ClearDMAStatus()
}

// Cache is a lock-protected snapshot of a board's DMA status word.
type Cache struct {
	dev Device

	mu  sync.Mutex
	cur Status
}

// New creates a Cache backed by dev. The cache starts zeroed; call Refresh
// before trusting it.
func New(dev Device) *Cache {
	return &Cache{dev: dev}
}

// Refresh reads the device word and unpacks it under the cache's lock,
// returning the new snapshot.
func (c *Cache) Refresh() Status {
	word := c.dev.DMAStatusWord()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = Decode(word)
	return c.cur
}

// Snapshot returns the most recently refreshed status without touching the
// device.
func (c *Cache) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Clear writes zero to the status register then zeros dir's
// flushed/completed/ok fields in the cached snapshot.
func (c *Cache) Clear(dir Direction) {
	c.dev.ClearDMAStatus()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch dir {
	case Read:
		c.cur.ReadFlushed = false
		c.cur.ReadCompleted = false
		c.cur.ReadOK = false
	case Write:
		c.cur.WriteCompleted = false
		c.cur.WriteOK = false
	}
}

// PollMask reports the readable/writable bits the control plane's poll()
// entry point returns.
func (c *Cache) PollMask() (readable, writable bool) {
	s := c.Snapshot()
	return s.ReadOK, s.WriteOK
}
