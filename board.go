// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bluenoc is the host-side control plane for a Bluespec NoC PCIe
// board: it owns the per-board activation ladder, wires the DMA status
// cache, transfer engine and clock tunnel to one board's BAR0 window, and
// exposes the character-device-shaped surface (open/release/read/write/
// poll/seek/ioctl) of a bluenoc minor device, adapted to Go method calls
// since nothing here actually registers a /dev node — that belongs to a
// thin cuse/FUSE or syscall-ABI layer outside this module's scope.
//
// A *Board plays the same role periph.go's top-level registry plays in
// the upstream library: the place every lower package (ladder, statuscache,
// xfer, clock, regs, internal/pcie) gets wired together into one running
// system.
package bluenoc

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/galoisinc/bluenoc/boardreg"
	"github.com/galoisinc/bluenoc/clock"
	"github.com/galoisinc/bluenoc/errs"
	"github.com/galoisinc/bluenoc/internal/dbglog"
	"github.com/galoisinc/bluenoc/internal/pcie"
	"github.com/galoisinc/bluenoc/ladder"
	"github.com/galoisinc/bluenoc/regs"
	"github.com/galoisinc/bluenoc/statuscache"
	"github.com/galoisinc/bluenoc/xfer"
)

// interrupter is the subset of internal/pcie.InterruptSource the ladder's
// IRQBound rung needs: something to wait on and something to tear down on
// deactivate. Kept as an interface so tests can swap in a fake that never
// touches an eventfd.
type interrupter interface {
	Wait(ctx context.Context) error
	Close() error
}

// barWindow is the subset of internal/pcie.Window the ladder's BARS_MAPPED
// rung needs: a regs.Backing that can also be torn down. Kept as an
// interface for the same reason interrupter is: board_test.go substitutes
// an in-memory fake for it.
type barWindow interface {
	regs.Backing
	Close() error
}

// Identity is the set of fields read once, at MAGIC_OK, and never mutated
// again until the board is torn down.
type Identity struct {
	MajorRev, MinorRev uint32
	Build              uint32
	Timestamp          uint32
	BytesPerBeat       uint8
	ContentID          uint64
	Capabilities       uint32
}

// Board is the per-device record for one bluenoc minor number.
type Board struct {
	cfg Config

	mu       sync.Mutex
	rung     ladder.Rung
	number   int
	identity Identity
	usesMSIX bool
	window   barWindow
	regsMu   sync.RWMutex
	reg      *regs.Map
	irq      interrupter
	openCount int

	readGate  sync.Mutex
	writeGate sync.Mutex

	status  *statuscache.Cache
	engine  *xfer.Engine
	tunnel  *clock.Tunnel
	log     *dbglog.Logger
	counters dbglog.Counters

	waitDirMu sync.Mutex
	waitDir   xfer.Direction

	ladder ladder.Ladder
}

// NewBoard builds a Board wired to cfg and runs it through the activation
// ladder, mirroring the original driver's PCI probe routine doing both in
// one step. On failure the board is left at NUMBERED, and NewBoard returns
// the ladder's error alongside the (still numbered, still usable for
// IDENTIFY) board.
func NewBoard(cfg Config) (*Board, error) {
	cfg = cfg.withDefaults()
	b := &Board{cfg: cfg}
	b.status = statuscache.New(b)
	b.engine = xfer.New(pcie.NewPagePinner(), pcie.NewIdentityMapper(), cfg.FIFOPollInterval)
	b.tunnel = clock.NewTunnel(b)
	b.log = dbglog.New(log.New(os.Stderr, "", log.LstdFlags))
	b.ladder = b.buildLadder()

	if err := b.ladder.Activate(b); err != nil {
		return b, err
	}
	return b, nil
}

// Rung implements ladder.Board.
func (b *Board) Rung() ladder.Rung {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rung
}

// SetRung implements ladder.Board.
func (b *Board) SetRung(r ladder.Rung) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rung = r
}

// Number is the board's stable, unique minor number.
func (b *Board) Number() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.number
}

func (b *Board) regMap() *regs.Map {
	b.regsMu.RLock()
	defer b.regsMu.RUnlock()
	return b.reg
}

// The following two methods let Board stand in directly as a
// statuscache.Device, exactly like regs.Map would, but deferring the
// actual register access until BARS_MAPPED has run — before that, these
// are never called, since the data path and every ioctl that touches
// hardware first checks activation_level == FULLY_ACTIVE.

func (b *Board) DMAStatusWord() uint64 { return b.regMap().DMAStatusWord() }
func (b *Board) ClearDMAStatus()       { b.regMap().ClearDMAStatus() }

// The following four let Board stand in as a clock.Device, for the same
// reason.

func (b *Board) PLLReadWord() uint32         { return b.regMap().PLLReadWord() }
func (b *Board) ClearPLLReadWord(v uint32)   { b.regMap().ClearPLLReadWord(v) }
func (b *Board) PLLStatus() uint32           { return b.regMap().PLLStatus() }
func (b *Board) SetPLLSendCtrl(v uint32)     { b.regMap().SetPLLSendCtrl(v) }

func cacheDir(dir xfer.Direction) statuscache.Direction {
	if dir == xfer.DirWrite {
		return statuscache.Write
	}
	return statuscache.Read
}

// Gate implements xfer.Hardware. *sync.Mutex already satisfies xfer.Gate
// (TryLock/Unlock), so the direction gates need no wrapper type.
func (b *Board) Gate(dir xfer.Direction) xfer.Gate {
	if dir == xfer.DirWrite {
		return &b.writeGate
	}
	return &b.readGate
}

// Status implements xfer.Hardware.
func (b *Board) Status() *statuscache.Cache { return b.status }

// ClearStatus implements xfer.Hardware. It also records which direction is
// currently submitting, so Wait can attribute blocked time to the right
// profile counter.
func (b *Board) ClearStatus(dir xfer.Direction) {
	b.waitDirMu.Lock()
	b.waitDir = dir
	b.waitDirMu.Unlock()
	b.status.Clear(cacheDir(dir))
}

// PushCommand implements xfer.Hardware.
func (b *Board) PushCommand(dir xfer.Direction, cmd uint64) {
	if dir == xfer.DirWrite {
		b.regMap().PushWriteCommand(cmd)
		return
	}
	b.regMap().PushReadCommand(cmd)
}

// ByteCount implements xfer.Hardware.
func (b *Board) ByteCount(dir xfer.Direction) uint32 {
	if dir == xfer.DirWrite {
		return b.regMap().WriteByteCount()
	}
	return b.regMap().ReadByteCount()
}

// Wait implements xfer.Hardware: block on the interrupt source until pred
// holds against a freshly refreshed status snapshot. The "wake all waiters,
// never touch transfer state" contract is realized as a condition re-checked
// after every wakeup rather than a single Cond.Wait, since an eventfd
// (unlike a wait queue) coalesces multiple interrupts into one wakeup.
func (b *Board) Wait(ctx context.Context, pred func(statuscache.Status) bool) error {
	const op = "Board.Wait"
	start := time.Now()
	defer func() { b.addBlocked(time.Since(start)) }()

	if pred(b.status.Refresh()) {
		return nil
	}
	for {
		if err := b.irq.Wait(ctx); err != nil {
			return errs.New(errs.IO, op, err)
		}
		b.counters.Interrupts.Add(1)
		b.log.Intr("bluenoc_%d: interrupt", b.Number())
		if pred(b.status.Refresh()) {
			return nil
		}
	}
}

func (b *Board) addBlocked(d time.Duration) {
	b.waitDirMu.Lock()
	dir := b.waitDir
	b.waitDirMu.Unlock()
	if dir == xfer.DirWrite {
		b.counters.WriteBlockNS.Add(uint64(d))
	} else {
		b.counters.ReadBlockedNS.Add(uint64(d))
	}
}

// DebugDMA implements xfer.Hardware.
func (b *Board) DebugDMA() bool { return b.log.DMAEnabled() }

// Open bumps the device's open-handle count.
func (b *Board) Open() {
	b.mu.Lock()
	b.openCount++
	b.mu.Unlock()
	b.log.Calls("bluenoc_%d: opened device file", b.Number())
}

// Release drops the device's open-handle count.
func (b *Board) Release() {
	b.mu.Lock()
	b.openCount--
	b.mu.Unlock()
	b.log.Calls("bluenoc_%d: closed device file", b.Number())
}

// Seek is unsupported; every character device built on this board returns
// ESPIPE directly, matching the kernel's default_llseek refusal, rather than
// being funneled through any of the six kinds in errs: none of them means
// "this isn't a seekable file".
func (b *Board) Seek(int64, int) (int64, error) {
	return 0, unix.ESPIPE
}

// Poll returns the readable/writable bitmask derived from the cached
// read_ok/write_ok bits. It refreshes the cache first when the board is
// active; a caller that wants to block until the mask changes should race
// this against Wait via its own predicate built on statuscache.Status.
func (b *Board) Poll() (readable, writable bool) {
	b.counters.PollCalls.Add(1)
	if b.Rung() != ladder.FullyActive {
		return false, false
	}
	b.status.Refresh()
	return b.status.PollMask()
}

// Read implements the READ half of the bulk DMA data path.
func (b *Board) Read(ctx context.Context, addr uintptr, count int) (int, error) {
	return b.transfer(ctx, xfer.DirRead, addr, count)
}

// Write implements the WRITE half.
func (b *Board) Write(ctx context.Context, addr uintptr, count int) (int, error) {
	return b.transfer(ctx, xfer.DirWrite, addr, count)
}

func (b *Board) transfer(ctx context.Context, dir xfer.Direction, addr uintptr, count int) (int, error) {
	op := "Board.Read"
	if dir == xfer.DirWrite {
		op = "Board.Write"
	}
	if b.Rung() != ladder.FullyActive {
		return 0, errs.New(errs.IO, op, fmt.Errorf("board is not fully active"))
	}
	b.log.Calls("bluenoc_%d: %s %d bytes at %#x", b.Number(), dirVerb(dir), count, addr)

	start := time.Now()
	n, err := b.engine.Transfer(ctx, b, dir, addr, count)
	elapsed := time.Since(start)

	if dir == xfer.DirWrite {
		b.counters.WriteCalls.Add(1)
		b.counters.WriteCallNS.Add(uint64(elapsed))
		if err == nil {
			b.counters.BytesWritten.Add(uint64(n))
		}
	} else {
		b.counters.ReadCalls.Add(1)
		b.counters.ReadCallNS.Add(uint64(elapsed))
		if err == nil {
			b.counters.BytesRead.Add(uint64(n))
		}
	}
	b.log.DMATrace("bluenoc_%d: %s transfer count = %d bytes", b.Number(), dirVerb(dir), n)
	return n, err
}

func dirVerb(dir xfer.Direction) string {
	if dir == xfer.DirWrite {
		return "write"
	}
	return "read"
}

// SoftReset strobes the NoC activation bit off, waits cfg.DeactivateSettle,
// then strobes it back on, but only if the board was already active. It is
// a no-op on a board that isn't FULLY_ACTIVE.
func (b *Board) SoftReset(ctx context.Context) error {
	if b.Rung() != ladder.FullyActive {
		return nil
	}
	b.regMap().SetActivate(false)
	if err := b.sleep(ctx, b.cfg.DeactivateSettle); err != nil {
		return errs.New(errs.IO, "Board.SoftReset", err)
	}
	b.regMap().SetActivate(true)
	return nil
}

// Deactivate tears the ladder all the way down to NUMBERED, then settles
// for cfg.DeactivateSettle. It backs the DEACTIVATE ioctl.
func (b *Board) Deactivate(ctx context.Context) error {
	b.ladder.Deactivate(b)
	if err := b.sleep(ctx, b.cfg.DeactivateSettle); err != nil {
		return errs.New(errs.IO, "Board.Deactivate", err)
	}
	return nil
}

// Reactivate climbs the ladder back to FULLY_ACTIVE. It is idempotent: a
// board already FULLY_ACTIVE is untouched.
func (b *Board) Reactivate() error {
	return b.ladder.Activate(b)
}

func (b *Board) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the board all the way down and releases its board number,
// for final process shutdown. It is not part of the ioctl surface; the
// original's analog is PCI device removal, which this userspace rewrite
// models as process exit.
func (b *Board) Close() {
	b.ladder.Deactivate(b)
	b.mu.Lock()
	n := b.number
	b.number = 0
	b.mu.Unlock()
	if n != 0 {
		boardreg.Unregister(n)
	}
}
