// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package xfer implements the scatter-gather DMA transfer engine: pin user
// pages, build a scatter-gather list, map it for DMA, program the device's
// command FIFO in a bounded-credit loop interleaved with blocking waits,
// then unwind on success or failure.
//
// Hardware access is abstracted behind the Hardware, Pinner and Mapper
// interfaces so the same Engine runs against either a real board
// (internal/pcie) or the simulated one used throughout this package's
// tests, driving the same DMA code through fake physical memory.
package xfer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/galoisinc/bluenoc/errs"
	"github.com/galoisinc/bluenoc/regs"
	"github.com/galoisinc/bluenoc/statuscache"
)

// Direction selects which half of the duplex channel a transfer uses.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) cacheDir() statuscache.Direction {
	if d == DirWrite {
		return statuscache.Write
	}
	return statuscache.Read
}

// PageSize is the host page size assumed by the scatter-gather math, a
// fixed 4096-byte page contract.
const PageSize = 4096

// AlignBytes is the required alignment of a transfer's starting offset
// within its first page.
const AlignBytes = 128

// MaxPages is the largest number of pages a single transfer may span.
const MaxPages = 4096

// Page is one page pinned for DMA by a Pinner.
type Page struct {
	// BusAddr is this page's DMA-capable bus address.
	BusAddr uint64
	// Dirty marks the page dirty; non-nil only for DirRead pins, since only
	// a read transfer has the device writing into user memory.
	Dirty func()
	// Release undoes whatever Pin did for this one page (unlock, drop a
	// reference, etc). Always safe to call; never nil.
	Release func()
}

// Pinner turns a user virtual address range into pinned pages.
//
// A short pin (fewer pages returned than the range requires) must still
// return every page it did manage to pin, so the caller can release them;
// Engine treats a short pin as invalid-argument.
type Pinner interface {
	Pin(addr uintptr, count int, dir Direction) ([]Page, error)
}

// PageSpan is one (page, offset, length) entry of the pre-mapping
// scatter-gather list, computed purely from page geometry.
type PageSpan struct {
	Page   Page
	Offset int
	Length uint32
}

// SGEntry is one DMA-mapped scatter-gather table entry.
type SGEntry struct {
	BusAddr uint64
	Length  uint32
}

// Mapper maps a built scatter-gather list for DMA in the given direction
// and unmaps it again once the transfer completes.
type Mapper interface {
	Map(spans []PageSpan, dir Direction) ([]SGEntry, error)
	Unmap(entries []SGEntry, dir Direction)
}

// Gate is a single-holder, non-blocking mutual exclusion primitive: exactly
// one in-flight transfer per direction may be submitting commands.
type Gate interface {
	TryLock() bool
	Unlock()
}

// Hardware is everything the engine needs from a board to run one transfer.
type Hardware interface {
	Gate(dir Direction) Gate
	Status() *statuscache.Cache
	ClearStatus(dir Direction)
	PushCommand(dir Direction, cmd uint64)
	ByteCount(dir Direction) uint32
	// Wait blocks until pred(current status) is true, the context is
	// canceled (returning an io-error, modeling a signal interrupting the
	// wait), or the board's interrupt source wakes waiters. It must refresh
	// the status cache at least once before returning successfully.
	Wait(ctx context.Context, pred func(statuscache.Status) bool) error
	// DebugDMA reports whether the DMA debug-level bit is set, gating the
	// per-entry bus-address/length sanity checks.
	DebugDMA() bool
}

// Engine runs read/write transfers against a Hardware, Pinner and Mapper.
type Engine struct {
	pin     Pinner
	mapper  Mapper
	limiter *rate.Limiter
}

// New creates an Engine. fifoPollInterval is the cadence of the "briefly
// delay" step between FIFO polls; production code passes 5µs.
func New(pin Pinner, mapper Mapper, fifoPollInterval time.Duration) *Engine {
	return &Engine{
		pin:     pin,
		mapper:  mapper,
		limiter: rate.NewLimiter(rate.Every(fifoPollInterval), 1),
	}
}

// Transfer runs one read (dir == DirRead) or write (dir == DirWrite)
// request of count bytes starting at the user virtual address addr,
// returning the number of bytes the device reports transferred.
//
// hw.Gate(dir) must already reflect FULLY_ACTIVE having been checked by the
// caller: that check is routed through the control plane, not the engine,
// since it applies to every ioctl as well as read/write.
func (e *Engine) Transfer(ctx context.Context, hw Hardware, dir Direction, addr uintptr, count int) (int, error) {
	const op = "xfer.Transfer"
	if count == 0 {
		return 0, nil
	}

	off := int(addr % PageSize)
	if off%AlignBytes != 0 {
		return 0, errs.New(errs.InvalidArgument, op, fmt.Errorf("start offset %d is not %d-byte aligned", off, AlignBytes))
	}
	firstLen := count
	if firstLen > PageSize-off {
		firstLen = PageSize - off
	}
	remaining := count - firstLen
	numPages := 1 + (remaining+PageSize-1)/PageSize
	if remaining == 0 {
		numPages = 1
	}
	if numPages > MaxPages {
		return 0, errs.New(errs.InvalidArgument, op, fmt.Errorf("request spans %d pages, more than %d", numPages, MaxPages))
	}

	pages, err := e.pin.Pin(addr, count, dir)
	if err != nil {
		releaseAll(pages)
		return 0, err
	}
	if len(pages) != numPages {
		releaseAll(pages)
		return 0, errs.New(errs.InvalidArgument, op, fmt.Errorf("pinned %d pages, expected %d", len(pages), numPages))
	}

	spans := buildSpans(pages, off, count)

	entries, err := e.mapper.Map(spans, dir)
	if err != nil {
		releaseAll(pages)
		return 0, err
	}
	if len(entries) == 0 {
		e.mapper.Unmap(entries, dir)
		releaseAll(pages)
		return 0, errs.New(errs.IO, op, fmt.Errorf("zero-length DMA mapping"))
	}

	if hw.DebugDMA() {
		for _, se := range entries {
			if se.BusAddr > regs.MaxBusAddr {
				e.mapper.Unmap(entries, dir)
				releaseAll(pages)
				return 0, errs.New(errs.InvalidArgument, op, fmt.Errorf("bus address %#x exceeds 48 bits", se.BusAddr))
			}
			if se.Length > regs.MaxCommandLength {
				e.mapper.Unmap(entries, dir)
				releaseAll(pages)
				return 0, errs.New(errs.InvalidArgument, op, fmt.Errorf("entry length %d exceeds %d", se.Length, regs.MaxCommandLength))
			}
		}
	}

	gate := hw.Gate(dir)
	if !gate.TryLock() {
		e.mapper.Unmap(entries, dir)
		releaseAll(pages)
		return 0, errs.New(errs.ResourceBusy, op, fmt.Errorf("%s direction gate is held", dirName(dir)))
	}

	n, xferErr := e.submit(ctx, hw, dir, entries)

	gate.Unlock()
	e.mapper.Unmap(entries, dir)

	if dir == DirRead {
		markDirty(pages, off, int(n))
	}
	releaseAll(pages)

	if xferErr != nil {
		return 0, xferErr
	}
	return int(n), nil
}

// submit runs the credit-loop command submission and blocks for
// completion.
func (e *Engine) submit(ctx context.Context, hw Hardware, dir Direction, entries []SGEntry) (uint32, error) {
	const op = "xfer.submit"
	cd := dir.cacheDir()
	hw.ClearStatus(dir)
	st := hw.Status().Refresh()
	slotsFree := st.SlotsFree(cd)

	for i, se := range entries {
		if slotsFree == 0 {
			if err := e.limiter.Wait(ctx); err != nil {
				return 0, errs.New(errs.IO, op, err)
			}
			hw.Status().Refresh()
			err := hw.Wait(ctx, func(s statuscache.Status) bool {
				return (dir == DirRead && s.ReadFlushed) || !s.QueueFull(cd)
			})
			if err != nil {
				return 0, errs.New(errs.IO, op, err)
			}
			st = hw.Status().Snapshot()
			if dir == DirRead && st.ReadFlushed {
				hw.PushCommand(dir, regs.PackDMACommand(true, false, 0, 0))
				break
			}
			slotsFree = st.SlotsFree(cd)
		}
		last := i == len(entries)-1
		lastSlot := slotsFree == 1
		hw.PushCommand(dir, regs.PackDMACommand(last, lastSlot, se.Length, se.BusAddr))
		slotsFree--
	}

	err := hw.Wait(ctx, func(s statuscache.Status) bool {
		if dir == DirWrite {
			return s.WriteCompleted
		}
		return s.ReadCompleted || s.ReadFlushed
	})
	if err != nil {
		return 0, errs.New(errs.IO, op, err)
	}

	return hw.ByteCount(dir), nil
}

// buildSpans computes the (page, offset, length) scatter-gather entries:
// the first entry starts at the intra-page offset, interior entries are
// full pages, and the last entry covers the trailing bytes — a perfectly
// page-aligned tail becomes a full PageSize entry rather than a
// zero-length one.
func buildSpans(pages []Page, firstOffset, count int) []PageSpan {
	spans := make([]PageSpan, 0, len(pages))
	remaining := count
	for i, pg := range pages {
		var offset int
		var length int
		if i == 0 {
			offset = firstOffset
			length = PageSize - firstOffset
		} else {
			offset = 0
			length = PageSize
		}
		if length > remaining {
			length = remaining
		}
		if length == 0 && i == len(pages)-1 {
			// A perfectly page-aligned tail: the last page still carries a
			// full entry rather than being dropped.
			length = PageSize
		}
		spans = append(spans, PageSpan{Page: pg, Offset: offset, Length: uint32(length)})
		remaining -= length
	}
	return spans
}

// markDirty marks dirty exactly the pages covering the first n transferred
// bytes of a read: a page is dirtied iff at least one of its bytes was
// part of the returned byte count.
func markDirty(pages []Page, firstOffset int, n int) {
	remaining := n
	for i, pg := range pages {
		if remaining <= 0 {
			break
		}
		span := PageSize
		if i == 0 {
			span = PageSize - firstOffset
		}
		if pg.Dirty != nil {
			pg.Dirty()
		}
		remaining -= span
	}
}

func releaseAll(pages []Page) {
	for _, pg := range pages {
		if pg.Release != nil {
			pg.Release()
		}
	}
}

func dirName(dir Direction) string {
	if dir == DirWrite {
		return "write"
	}
	return "read"
}
