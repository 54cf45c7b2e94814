// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bluenoc

import (
	"fmt"

	"github.com/galoisinc/bluenoc/boardreg"
	"github.com/galoisinc/bluenoc/errs"
	"github.com/galoisinc/bluenoc/internal/pcie"
	"github.com/galoisinc/bluenoc/ladder"
	"github.com/galoisinc/bluenoc/regs"
)

// mapBAR0 and newInterruptSource are the two syscall-touching entry points
// the ladder calls through package variables rather than directly, so
// board_test.go can substitute a fake BAR0 and a fake interrupt source
// without needing real PCI hardware or a VFIO container.
var (
	mapBAR0 = func(path string, size int) (barWindow, error) {
		return pcie.MapResource(path, size)
	}
	newInterruptSource = func() (interrupter, error) {
		return pcie.NewInterruptSource()
	}
)

// buildLadder wires the twelve activation rungs to this board's real
// acquire/release actions. Five rungs — PCI_ENABLED, BARS_RESERVED,
// DMA_MASK_SET, MSI_ENABLED, BUS_MASTER — have no counterpart in
// internal/pcie: PCI enable, BAR reservation, the DMA mask, MSI capability
// negotiation and bus-mastering are all things a kernel driver or a VFIO
// group/container handshake would do before this process ever opens BAR0,
// and this rewrite has no such layer to drive. Those five rungs are kept as
// ordered, named no-ops rather than folded away, so the ladder's
// diagnostics and unwind order still match the twelve-step table exactly.
func (b *Board) buildLadder() ladder.Ladder {
	return ladder.Ladder{
		{
			Rung: ladder.Numbered,
			Name: "NUMBERED",
			Up: func() error {
				n, err := boardreg.Register(b)
				if err != nil {
					return errs.New(errs.ResourceBusy, "ladder.Numbered", err)
				}
				b.mu.Lock()
				b.number = n
				b.mu.Unlock()
				return nil
			},
			// The board number is retained across DEACTIVATE/REACTIVATE
			// cycles; only Board.Close releases it.
			Down: func() {},
		},
		{
			Rung: ladder.PCIEnabled,
			Name: "PCI_ENABLED",
			Up:   func() error { return nil },
			Down: func() {},
		},
		{
			Rung: ladder.BarsReserved,
			Name: "BARS_RESERVED",
			Up:   func() error { return nil },
			Down: func() {},
		},
		{
			Rung: ladder.BarsMapped,
			Name: "BARS_MAPPED",
			Up: func() error {
				win, err := mapBAR0(b.cfg.ResourcePath, b.cfg.ResourceSize)
				if err != nil {
					return errs.New(errs.IO, "ladder.BarsMapped", err)
				}
				b.window = win
				b.regsMu.Lock()
				b.reg = regs.NewMap(win)
				b.regsMu.Unlock()
				return nil
			},
			Down: func() {
				b.regsMu.Lock()
				b.reg = nil
				b.regsMu.Unlock()
				if b.window != nil {
					b.window.Close()
					b.window = nil
				}
			},
		},
		{
			Rung: ladder.MagicOK,
			Name: "MAGIC_OK",
			Up: func() error {
				m := b.regMap()
				if got := m.Magic(); got != regs.Magic {
					return errs.New(errs.HardwareInvalid, "ladder.MagicOK",
						fmt.Errorf("magic word %#x does not match %#x", got, regs.Magic))
				}
				b.identity = Identity{
					MajorRev:     m.MajorRev(),
					MinorRev:     m.MinorRev(),
					Build:        m.Build(),
					Timestamp:    m.Timestamp(),
					BytesPerBeat: m.BytesPerBeat(),
					ContentID:    m.ContentID(),
					Capabilities: m.Capabilities(),
				}
				return nil
			},
			Down: func() {},
		},
		{
			Rung: ladder.DMAMaskSet,
			Name: "DMA_MASK_SET",
			Up:   func() error { return nil },
			Down: func() {},
		},
		{
			Rung: ladder.MSIEnabled,
			Name: "MSI_ENABLED",
			Up: func() error {
				// internal/pcie only implements MSI-X delivery; a true MSI
				// fallback would require probing the board's capability
				// list, which this rewrite has no config-space access to
				// do. Every board this driver targets has MSI-X wired, so
				// the negotiation always succeeds as MSI-X.
				b.usesMSIX = true
				return nil
			},
			Down: func() { b.usesMSIX = false },
		},
		{
			Rung: ladder.IRQBound,
			Name: "IRQ_BOUND",
			Up: func() error {
				is, err := newInterruptSource()
				if err != nil {
					return errs.New(errs.IO, "ladder.IRQBound", err)
				}
				b.irq = is
				return nil
			},
			Down: func() {
				if b.irq != nil {
					b.irq.Close()
					b.irq = nil
				}
			},
		},
		{
			Rung: ladder.MSIXUnmasked,
			Name: "MSIX_UNMASKED",
			Up: func() error {
				if b.usesMSIX {
					b.regMap().SetMSIXEntry0Masked(false)
				}
				return nil
			},
			Down: func() {
				if !b.usesMSIX {
					return
				}
				if m := b.regMap(); m != nil {
					m.SetMSIXEntry0Masked(true)
				}
			},
		},
		{
			Rung: ladder.BusMaster,
			Name: "BUS_MASTER",
			Up:   func() error { return nil },
			Down: func() {},
		},
		{
			Rung: ladder.FullyActive,
			Name: "FULLY_ACTIVE",
			Up: func() error {
				b.regMap().SetActivate(true)
				return nil
			},
			Down: func() {
				if m := b.regMap(); m != nil {
					m.SetActivate(false)
				}
			},
		},
	}
}
