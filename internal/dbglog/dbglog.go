// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dbglog is the board driver's debug_level-gated logger.
//
// Logger wraps the standard log package: a *log.Logger plus one gated
// method per debug category that has something to say (CALLS, DMA, INTR),
// and a Counters type tracking the PROFILE category's running totals and
// formatting them into the same multi-line summary the original driver's
// printk block produced on a PROFILE falling edge.
//
// DATA has no corresponding gated method: this driver moves payload bytes
// directly between user pages and the device over DMA without ever staging
// them through a Go-visible buffer, so there is no payload here to log. The
// Data bit is still accepted and round-tripped by GetDebug/SetDebug, since
// a caller may set it expecting the original driver's payload dump and
// should not have the bit silently rejected.
package dbglog

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// Level is the debug_level bitset.
type Level uint32

const (
	Calls   Level = 1 << 0
	Data    Level = 1 << 1
	DMA     Level = 1 << 2
	Intr    Level = 1 << 3
	Profile Level = 1 << 31
)

// Logger wraps a standard logger with a debug_level bitset checked before
// every gated call, so a disabled category costs one atomic load and no
// formatting work.
type Logger struct {
	out   *log.Logger
	level atomic.Uint32
}

// New wraps out (already carrying whatever prefix/flags the caller wants,
// e.g. "bluenoc_3: ") as a gated Logger. The level starts at zero (nothing
// enabled).
func New(out *log.Logger) *Logger {
	return &Logger{out: out}
}

// Level returns the current debug bitset.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

// SetLevel installs a new debug bitset and returns the previous one, so
// callers can diff the two to detect a PROFILE edge.
func (l *Logger) SetLevel(v Level) Level {
	return Level(l.level.Swap(uint32(v)))
}

func (l *Logger) enabled(bit Level) bool { return Level(l.level.Load())&bit != 0 }

// Calls logs a function-call-sequence trace, gated on the CALLS bit.
func (l *Logger) Calls(format string, args ...interface{}) {
	if l.enabled(Calls) {
		l.out.Printf(format, args...)
	}
}

// DMATrace logs scatter-gather and command-FIFO detail, gated on the DMA
// bit.
func (l *Logger) DMATrace(format string, args ...interface{}) {
	if l.enabled(DMA) {
		l.out.Printf(format, args...)
	}
}

// DMAEnabled reports whether DMA-level tracing is on, used by the transfer
// engine to decide whether to run the per-entry bus-address/length sanity
// check gated on "debug level DMA only".
func (l *Logger) DMAEnabled() bool { return l.enabled(DMA) }

// Intr logs interrupt delivery, gated on the INTR bit.
func (l *Logger) Intr(format string, args ...interface{}) {
	if l.enabled(Intr) {
		l.out.Printf(format, args...)
	}
}

// Counters holds the monotonic per-direction totals the original driver
// calls profile_counters. Every field is updated with the atomic package
// since concurrent user-call goroutines (a read, a write, a poll, each
// one's interrupt wait) update them while Summary or Reset may run.
type Counters struct {
	ReadCalls     atomic.Uint64
	WriteCalls    atomic.Uint64
	PollCalls     atomic.Uint64
	BytesRead     atomic.Uint64
	BytesWritten  atomic.Uint64
	ReadCallNS    atomic.Uint64
	ReadBlockedNS atomic.Uint64
	WriteCallNS   atomic.Uint64
	WriteBlockNS  atomic.Uint64
	Interrupts    atomic.Uint64
}

// Reset zeroes every counter, run on the PROFILE bit's rising edge.
func (c *Counters) Reset() {
	c.ReadCalls.Store(0)
	c.WriteCalls.Store(0)
	c.PollCalls.Store(0)
	c.BytesRead.Store(0)
	c.BytesWritten.Store(0)
	c.ReadCallNS.Store(0)
	c.ReadBlockedNS.Store(0)
	c.WriteCallNS.Store(0)
	c.WriteBlockNS.Store(0)
	c.Interrupts.Store(0)
}

// Summary formats c into the multi-line report emitted on the PROFILE
// bit's falling edge, and logs it unconditionally (the caller already
// decided profiling is ending; the report itself isn't gated on the bit it
// just turned off).
func (l *Logger) Summary(boardNumber int, c *Counters) {
	readCalls := c.ReadCalls.Load()
	writeCalls := c.WriteCalls.Load()
	bytesRead := c.BytesRead.Load()
	bytesWritten := c.BytesWritten.Load()
	readCallNS := time.Duration(c.ReadCallNS.Load())
	readBlockedNS := time.Duration(c.ReadBlockedNS.Load())
	writeCallNS := time.Duration(c.WriteCallNS.Load())
	writeBlockNS := time.Duration(c.WriteBlockNS.Load())

	l.out.Printf("bluenoc_%d: turned off profiling", boardNumber)
	l.out.Printf("bluenoc_%d:   poll_call_count          = %12d calls", boardNumber, c.PollCalls.Load())
	l.out.Printf("bluenoc_%d:   read_call_count          = %12d calls (avg %s bytes/call, avg %s/call)",
		boardNumber, readCalls, avgBytes(bytesRead, readCalls), avgDuration(readCallNS, readCalls))
	l.out.Printf("bluenoc_%d:   total_bytes_read         = %12d bytes", boardNumber, bytesRead)
	l.out.Printf("bluenoc_%d:   total_read_call_time     = %s", boardNumber, readCallNS)
	l.out.Printf("bluenoc_%d:   total_read_blocked_time  = %s", boardNumber, readBlockedNS)
	l.out.Printf("bluenoc_%d:   write_call_count         = %12d calls (avg %s bytes/call, avg %s/call)",
		boardNumber, writeCalls, avgBytes(bytesWritten, writeCalls), avgDuration(writeCallNS, writeCalls))
	l.out.Printf("bluenoc_%d:   total_bytes_written      = %12d bytes", boardNumber, bytesWritten)
	l.out.Printf("bluenoc_%d:   total_write_call_time    = %s", boardNumber, writeCallNS)
	l.out.Printf("bluenoc_%d:   total_write_blocked_time = %s", boardNumber, writeBlockNS)
	l.out.Printf("bluenoc_%d:   interrupt_count          = %12d interrupts", boardNumber, c.Interrupts.Load())
}

func avgBytes(total, calls uint64) string {
	if calls == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d", total/calls)
}

func avgDuration(total time.Duration, calls uint64) string {
	if calls == 0 {
		return "n/a"
	}
	return (total / time.Duration(calls)).String()
}
