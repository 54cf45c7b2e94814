// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package clock implements the board's clock tunnel: a small state machine
// layered over the board's four CLK_* register-tunnel primitives that reads
// and writes the on-board PLL's internal registers, plus the D/M/Dout
// divider search used to program a target output frequency.
//
// It follows the original host tool's clocking sequence register-for-
// register: the same clkgen_reg_* addresses and filter/lock lookup tables,
// translated from an ioctl-per-register-access model to direct calls
// against a Device, the same register-level interface regs.Map already
// exposes.
package clock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/galoisinc/bluenoc/errs"
	"github.com/galoisinc/bluenoc/regs"
)

// Frequency is a Hz-denominated clock rate. It is deliberately narrower
// than a general-purpose physical-units type: only the handful of constants
// the PLL search and its test cases need.
type Frequency int64

const (
	Hertz     Frequency = 1
	KiloHertz           = 1000 * Hertz
	MegaHertz           = 1000 * KiloHertz
	GigaHertz           = 1000 * MegaHertz
)

func (f Frequency) String() string {
	switch {
	case f >= GigaHertz:
		return fmt.Sprintf("%.3fGHz", float64(f)/float64(GigaHertz))
	case f >= MegaHertz:
		return fmt.Sprintf("%.3fMHz", float64(f)/float64(MegaHertz))
	case f >= KiloHertz:
		return fmt.Sprintf("%.3fkHz", float64(f)/float64(KiloHertz))
	default:
		return fmt.Sprintf("%dHz", int64(f))
	}
}

// Device is the register-level surface the tunnel protocol runs over.
// regs.Map implements it directly.
type Device interface {
	PLLReadWord() uint32
	ClearPLLReadWord(v uint32)
	PLLStatus() uint32
	SetPLLSendCtrl(v uint32)
}

const (
	statusIdle      = 1 << 0
	statusWordReady = 1 << 1
)

const maxIdleRetries = 5

// Tunnel implements the PLL register-tunnel Write/Read handshake over a
// Device.
type Tunnel struct {
	dev     Device
	limiter *rate.Limiter
}

// NewTunnel returns a Tunnel driving dev.
func NewTunnel(dev Device) *Tunnel {
	return &Tunnel{dev: dev, limiter: rate.NewLimiter(rate.Every(time.Second), 1)}
}

func (t *Tunnel) waitFor(ctx context.Context, op string, bit uint32) error {
	for i := 0; i <= maxIdleRetries; i++ {
		if t.dev.PLLStatus()&bit != 0 {
			return nil
		}
		if i == maxIdleRetries {
			break
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return errs.New(errs.IO, op, err)
		}
	}
	return errs.New(errs.IO, op, fmt.Errorf("PLL tunnel status bit %#x not set after %d retries", bit, maxIdleRetries))
}

// Write sends val to the PLL-internal register reg.
func (t *Tunnel) Write(ctx context.Context, reg uint16, val uint16) error {
	const op = "clock.Write"
	if err := t.waitFor(ctx, op, statusIdle); err != nil {
		return err
	}
	t.dev.SetPLLSendCtrl(regs.PackClockControl(reg, val, false))
	return nil
}

// Read returns the value of the PLL-internal register reg.
func (t *Tunnel) Read(ctx context.Context, reg uint16) (uint16, error) {
	const op = "clock.Read"
	if err := t.waitFor(ctx, op, statusIdle); err != nil {
		return 0, err
	}
	t.dev.SetPLLSendCtrl(regs.PackClockControl(reg, 0, true))
	if err := t.waitFor(ctx, op, statusWordReady); err != nil {
		return 0, err
	}
	raw := t.dev.PLLReadWord()
	t.dev.ClearPLLReadWord(raw)
	return uint16(raw & 0xFFFF), nil
}

// Params is a resolved PLL divider triple.
type Params struct {
	D, M, Dout int
}

const (
	minPFD = 10 * MegaHertz
	maxPFD = 300 * MegaHertz
	minVCO = 600 * MegaHertz
	maxVCO = 1200 * MegaHertz

	minD, maxD       = 1, 80
	minM, maxM       = 1, 64
	minDout, maxDout = 1, 128
)

// CalcParams picks integer dividers D, M, Dout that bring fin as close as
// possible to fout while keeping the phase-detector and VCO frequencies in
// range. It mirrors ClockGenerator::calc_params in clocking.cpp, except it
// is not restricted to kHz-granularity integer math: Frequency already
// carries whole Hertz.
func CalcParams(fin, fout Frequency) (Params, error) {
	if fin <= 0 || fout <= 0 {
		return Params{}, fmt.Errorf("clock: fin and fout must be positive, got fin=%s fout=%s", fin, fout)
	}

	best := Params{}
	var bestErr Frequency = -1
	found := false

	for m := minM; m <= maxM; m++ {
		for d := minD; d <= maxD; d++ {
			fpfd := fin / Frequency(d)
			if fpfd < minPFD || fpfd > maxPFD {
				continue
			}
			fvco := fin * Frequency(m) / Frequency(d)
			if fvco < minVCO || fvco > maxVCO {
				continue
			}
			dout := int((int64(fvco) + int64(fout)/2) / int64(fout))
			if dout < minDout {
				dout = minDout
			}
			if dout > maxDout {
				dout = maxDout
			}
			actual := fvco / Frequency(dout)
			diff := actual - fout
			if diff < 0 {
				diff = -diff
			}
			if !found || diff < bestErr {
				found, bestErr = true, diff
				best = Params{D: d, M: m, Dout: dout}
				if diff == 0 {
					return best, nil
				}
			}
		}
	}
	if !found {
		return Params{}, fmt.Errorf("clock: no D/M/Dout triple satisfies the fPFD/fVCO constraints for %s -> %s", fin, fout)
	}
	return best, nil
}

// dividerFields is the {high, low, edge, nocount} encoding of a single
// integer divider value, per clocking.cpp's calc_clk_params.
type dividerFields struct {
	low, high, edge, nocount uint32
}

func encodeDivider(div int) dividerFields {
	d := uint32(div)
	f := dividerFields{high: d / 2, edge: d % 2}
	f.low = d - f.high
	if div == 1 {
		f.nocount = 1
	}
	return f
}

// PLL-internal register addresses, per clocking.h's clkgen_reg_* table.
const (
	regUpdateEnable = 0x01
	regClkout0High  = 0x02
	regClkout0Edge  = 0x03
	regClkDiv       = 0x10
	regClkFBHigh    = 0x11
	regClkFBEdge    = 0x12
	regLock1        = 0x13
	regLock2        = 0x14
	regLock3        = 0x15
	regFilter1      = 0x16
	regFilter2      = 0x17
	regStatus       = 0x1f
)

// filterTable and lockTable are the fixed MMCM filter/lock coefficient
// tables indexed by M-1, copied from clocking.h's clkgen_filter_table and
// clkgen_lock_table.
var filterTable = [...]uint32{
	0x01001990, 0x01001190, 0x01009890, 0x01001890,
	0x01008890, 0x01009090, 0x01009090, 0x01009090,
	0x01009090, 0x01000890, 0x01000890, 0x01000890,
	0x08009090, 0x01001090, 0x01001090, 0x01001090,
	0x01001090, 0x01001090, 0x01001090, 0x01001090,
	0x01001090, 0x01001090, 0x01001090, 0x01008090,
	0x01008090, 0x01008090, 0x01008090, 0x01008090,
	0x01008090, 0x01008090, 0x01008090, 0x01008090,
	0x01008090, 0x01008090, 0x01008090, 0x01008090,
	0x01008090, 0x08001090, 0x08001090, 0x08001090,
	0x08001090, 0x08001090, 0x08001090, 0x08001090,
	0x08001090, 0x08001090, 0x08001090,
}

var lockTable = [...]uint32{
	0x060603e8, 0x060603e8, 0x080803e8, 0x0b0b03e8,
	0x0e0e03e8, 0x111103e8, 0x131303e8, 0x161603e8,
	0x191903e8, 0x1c1c03e8, 0x1f1f0384, 0x1f1f0339,
	0x1f1f02ee, 0x1f1f02bc, 0x1f1f028a, 0x1f1f0271,
	0x1f1f023f, 0x1f1f0226, 0x1f1f020d, 0x1f1f01f4,
	0x1f1f01db, 0x1f1f01c2, 0x1f1f01a9, 0x1f1f0190,
	0x1f1f0190, 0x1f1f0177, 0x1f1f015e, 0x1f1f015e,
	0x1f1f0145, 0x1f1f0145, 0x1f1f012c, 0x1f1f012c,
	0x1f1f012c, 0x1f1f0113, 0x1f1f0113, 0x1f1f0113,
}

const (
	fallbackFilter = 0x08008090
	fallbackLock   = 0x1f1f00fa
)

func lookupFilter(mMinusOne int) uint32 {
	if mMinusOne >= 0 && mMinusOne < len(filterTable) {
		return filterTable[mMinusOne]
	}
	return fallbackFilter
}

func lookupLock(mMinusOne int) uint32 {
	if mMinusOne >= 0 && mMinusOne < len(lockTable) {
		return lockTable[mMinusOne]
	}
	return fallbackLock
}

// Program writes p's dividers to the PLL following the programming
// sequence: deassert update-enable, write every divider/filter/lock
// register, reassert update-enable, then sleep and sample the lock bit.
func (t *Tunnel) Program(ctx context.Context, p Params) error {
	const op = "clock.Program"
	if p.D < minD || p.D > maxD || p.M < minM || p.M > maxM || p.Dout < minDout || p.Dout > maxDout {
		return errs.New(errs.InvalidArgument, op, fmt.Errorf("divider triple D=%d M=%d Dout=%d out of range", p.D, p.M, p.Dout))
	}

	filter := lookupFilter(p.M - 1)
	lock := lookupLock(p.M - 1)

	if err := t.Write(ctx, regUpdateEnable, 0); err != nil {
		return err
	}

	dout := encodeDivider(p.Dout)
	if err := t.Write(ctx, regClkout0High, uint16((dout.high<<6)|dout.low)); err != nil {
		return err
	}
	if err := t.Write(ctx, regClkout0Edge, uint16((dout.edge<<7)|(dout.nocount<<6))); err != nil {
		return err
	}

	d := encodeDivider(p.D)
	if err := t.Write(ctx, regClkDiv, uint16((d.edge<<13)|(d.nocount<<12)|(d.high<<6)|d.low)); err != nil {
		return err
	}

	m := encodeDivider(p.M)
	if err := t.Write(ctx, regClkFBHigh, uint16((m.high<<6)|m.low)); err != nil {
		return err
	}
	if err := t.Write(ctx, regClkFBEdge, uint16((m.edge<<7)|(m.nocount<<6))); err != nil {
		return err
	}

	if err := t.Write(ctx, regLock1, uint16(lock&0x3FF)); err != nil {
		return err
	}
	if err := t.Write(ctx, regLock2, uint16((((lock>>16)&0x1f)<<10)|0x1)); err != nil {
		return err
	}
	if err := t.Write(ctx, regLock3, uint16((((lock>>24)&0x1f)<<10)|0x3e9)); err != nil {
		return err
	}
	if err := t.Write(ctx, regFilter1, uint16(filter>>16)); err != nil {
		return err
	}
	if err := t.Write(ctx, regFilter2, uint16(filter)); err != nil {
		return err
	}

	if err := t.Write(ctx, regUpdateEnable, 1); err != nil {
		return err
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return errs.New(errs.IO, op, ctx.Err())
	}

	locked, err := t.IsLocked(ctx)
	if err != nil {
		return err
	}
	if !locked {
		return errs.New(errs.IO, op, fmt.Errorf("PLL did not lock after programming D=%d M=%d Dout=%d", p.D, p.M, p.Dout))
	}
	return nil
}

// IsLocked reads the PLL status register's lock bit.
func (t *Tunnel) IsLocked(ctx context.Context) (bool, error) {
	v, err := t.Read(ctx, regStatus)
	if err != nil {
		return false, err
	}
	return v&0x1 != 0, nil
}
