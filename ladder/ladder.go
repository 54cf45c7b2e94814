// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ladder implements a twelve-rung activation state machine: an
// ordered stack of acquired resources that is climbed front-to-back on
// activation and unwound back-to-front on deactivation or on any failure
// partway up.
//
// It is grounded on periph.go's Driver/Init model — a registry of steps,
// each owning Init semantics and a name for diagnostics — collapsed from "N
// independent drivers loaded concurrently with a prerequisite DAG" down to
// "N ordered resources on one board climbed strictly in sequence", which is
// what a single PCIe function's bring-up actually is.
package ladder

import "fmt"

// Rung is one step of the activation ladder, strictly ordered.
type Rung int

const (
	Probed Rung = iota
	Numbered
	PCIEnabled
	BarsReserved
	BarsMapped
	MagicOK
	DMAMaskSet
	MSIEnabled
	IRQBound
	MSIXUnmasked
	BusMaster
	FullyActive
)

func (r Rung) String() string {
	names := [...]string{
		"PROBED", "NUMBERED", "PCI_ENABLED", "BARS_RESERVED", "BARS_MAPPED",
		"MAGIC_OK", "DMA_MASK_SET", "MSI_ENABLED", "IRQ_BOUND",
		"MSIX_UNMASKED", "BUS_MASTER", "FULLY_ACTIVE",
	}
	if int(r) < 0 || int(r) >= len(names) {
		return fmt.Sprintf("Rung(%d)", int(r))
	}
	return names[r]
}

// Board is the minimal surface the ladder needs from whatever it is
// climbing: a place to read and record the current rung.
type Board interface {
	Rung() Rung
	SetRung(Rung)
}

// Step is one rung's acquire/release pair. Up runs when the ladder climbs
// past Rung; Down runs when the ladder unwinds past it, in reverse order
// relative to Up. Down runs only for steps whose Up has succeeded: when an
// Up fails, the ladder unwinds the steps below it and the failing step's own
// Down is not called, so an Up that fails partway releases whatever it had
// already acquired itself before returning.
type Step struct {
	Rung Rung
	Name string
	Up   func() error
	Down func()
}

// Ladder is an ordered list of steps, lowest rung first.
type Ladder []Step

// Activate advances b from its current rung to FULLY_ACTIVE by running each
// step's Up function in order. It is idempotent: if b is already
// FULLY_ACTIVE, Activate returns nil immediately without re-running any
// step, making a REACTIVATE of an already-active board a no-op.
//
// If a step's Up fails, Activate calls Deactivate to release every resource
// acquired so far — by this call or by an earlier one — leaving b at
// NUMBERED, then returns that step's error annotated with its name.
func (l Ladder) Activate(b Board) error {
	if b.Rung() >= FullyActive {
		return nil
	}
	for _, step := range l {
		if step.Rung <= b.Rung() {
			continue
		}
		if err := step.Up(); err != nil {
			l.Deactivate(b)
			return fmt.Errorf("ladder: %s: %w", step.Name, err)
		}
		b.SetRung(step.Rung)
	}
	return nil
}

// Deactivate releases, in strict reverse order, every resource held up to
// b's current rung, then sets the rung to NUMBERED. The board number itself
// is untouched, so it is retained across reactivate cycles.
func (l Ladder) Deactivate(b Board) {
	cur := b.Rung()
	for i := len(l) - 1; i >= 0; i-- {
		step := l[i]
		if step.Rung > cur {
			continue
		}
		step.Down()
	}
	b.SetRung(Numbered)
}
