// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clock

import (
	"context"
	"testing"

	"github.com/galoisinc/bluenoc/regs"
)

func TestFrequencyString(t *testing.T) {
	cases := []struct {
		f    Frequency
		want string
	}{
		{250 * MegaHertz, "250.000MHz"},
		{1 * GigaHertz, "1.000GHz"},
		{500 * Hertz, "500Hz"},
	}
	for _, c := range cases {
		if got := c.f.String(); got != c.want {
			t.Errorf("(%d).String() = %q, want %q", int64(c.f), got, c.want)
		}
	}
}

func TestCalcParams250MHzFrom125MHzParent(t *testing.T) {
	p, err := CalcParams(125*MegaHertz, 250*MegaHertz)
	if err != nil {
		t.Fatal(err)
	}
	fvco := 125 * MegaHertz * Frequency(p.M) / Frequency(p.D)
	if fvco < minVCO || fvco > maxVCO {
		t.Fatalf("fVCO = %s, want in [%s, %s]", fvco, minVCO, maxVCO)
	}
	actual := fvco / Frequency(p.Dout)
	if actual != 250*MegaHertz {
		t.Fatalf("computed output = %s, want 250MHz (params=%+v)", actual, p)
	}
}

func TestCalcParamsRejectsNonPositive(t *testing.T) {
	if _, err := CalcParams(0, 100*MegaHertz); err == nil {
		t.Fatal("CalcParams(0, ...) = nil error, want error")
	}
	if _, err := CalcParams(100*MegaHertz, -1); err == nil {
		t.Fatal("CalcParams(..., -1) = nil error, want error")
	}
}

func TestEncodeDividerNoCount(t *testing.T) {
	f := encodeDivider(1)
	if f.nocount != 1 || f.high != 0 || f.low != 1 || f.edge != 1 {
		t.Fatalf("encodeDivider(1) = %+v", f)
	}
}

func TestEncodeDividerEven(t *testing.T) {
	f := encodeDivider(4)
	if f.nocount != 0 || f.high != 2 || f.low != 2 || f.edge != 0 {
		t.Fatalf("encodeDivider(4) = %+v", f)
	}
}

func TestLookupFilterFallback(t *testing.T) {
	if got := lookupFilter(len(filterTable) + 5); got != fallbackFilter {
		t.Fatalf("lookupFilter(out of range) = %#x, want %#x", got, fallbackFilter)
	}
	if got := lookupLock(len(lockTable) + 5); got != fallbackLock {
		t.Fatalf("lookupLock(out of range) = %#x, want %#x", got, fallbackLock)
	}
}

type fakeDevice struct {
	status   uint32
	sentCtrl uint32
	readWord uint32
	cleared  bool
}

func (d *fakeDevice) PLLStatus() uint32           { return d.status }
func (d *fakeDevice) SetPLLSendCtrl(v uint32)     { d.sentCtrl = v }
func (d *fakeDevice) PLLReadWord() uint32         { return d.readWord }
func (d *fakeDevice) ClearPLLReadWord(v uint32)   { d.cleared = true }

func TestTunnelWrite(t *testing.T) {
	dev := &fakeDevice{status: statusIdle}
	tun := NewTunnel(dev)
	if err := tun.Write(context.Background(), 5, 0x1234); err != nil {
		t.Fatal(err)
	}
	reg, data, rnw := regs.UnpackClockControl(dev.sentCtrl)
	if reg != 5 || data != 0x1234 || rnw {
		t.Fatalf("decoded control = (reg=%d data=%#x rnw=%v)", reg, data, rnw)
	}
}

func TestTunnelRead(t *testing.T) {
	dev := &fakeDevice{status: statusIdle | statusWordReady, readWord: 0xBEEF}
	tun := NewTunnel(dev)
	v, err := tun.Read(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xBEEF {
		t.Fatalf("Read() = %#x, want 0xBEEF", v)
	}
	if !dev.cleared {
		t.Fatal("Read() did not clear the response register")
	}
	reg, _, rnw := regs.UnpackClockControl(dev.sentCtrl)
	if reg != 9 || !rnw {
		t.Fatalf("decoded control = (reg=%d rnw=%v), want (9, true)", reg, rnw)
	}
}

func TestTunnelIsLocked(t *testing.T) {
	dev := &fakeDevice{status: statusIdle | statusWordReady, readWord: 0x1}
	tun := NewTunnel(dev)
	locked, err := tun.IsLocked(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("IsLocked() = false, want true")
	}
}
