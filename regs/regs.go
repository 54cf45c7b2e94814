// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regs defines the BAR0 register layout of a Bluespec NoC board and
// the bit-packed words exchanged with it.
//
// It holds fixed byte offsets, codec functions over plain integers, and Map,
// a typed view that reads and writes whatever Backing it is given. It holds
// no device handle of its own: internal/pcie supplies the mapped BAR0 window
// as a Backing, and tests supply a plain byte slice.
package regs

import (
	"encoding/binary"
	"fmt"
)

// Byte offsets within the BAR0 window. All multi-byte fields are
// little-endian.
const (
	OffMagic         = 0x000
	OffMinorRev      = 0x008
	OffMajorRev      = 0x00C
	OffBuild         = 0x010
	OffTimestamp     = 0x014
	OffNocParams     = 0x01C
	OffContentID     = 0x020
	OffCapabilities  = 0x028
	OffLinkStatus    = 0x080
	OffActivate      = 0x101
	OffPLLReadWord   = 0x180
	OffPLLStatus     = 0x184
	OffPLLSendCtrl   = 0x188
	OffDMAStatus     = 0x800
	OffReadByteCount = 0x808
	OffWrtByteCount  = 0x80C
	OffReadCmdFIFO   = 0x1000
	OffWriteCmdFIFO  = 0x1008
	OffMSIXVecCtrl0  = 0x400C
)

// Magic is the 64-bit little-endian ASCII value boards must present at
// OffMagic once BAR0 is mapped.
const Magic uint64 = 0x6365707365756c42 // "Bluespec" read as a little-endian uint64.

func init() {
	// Guard against a transposed literal: decode it back and compare against
	// the ASCII string to make the constant self-checking.
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], Magic)
	if string(b[:]) != "Bluespec" {
		panic(fmt.Sprintf("regs: Magic constant %#x does not decode to \"Bluespec\"", Magic))
	}
}

// Capability bits within OffCapabilities.
const (
	CapStatus        = 1 << 0
	CapClockControl  = 1 << 1
)

// Status word bits returned by OffLinkStatus. AllOnes means the register is
// not implemented on this board; no individual bit should be trusted in that
// case.
const (
	StatusPCIeLinkUp   = 1 << 0
	StatusNoCLinkUp    = 1 << 1
	StatusIntrsEnabled = 1 << 2
	StatusMemEnabled   = 1 << 3
	StatusResetOut     = 1 << 4
	StatusAllOnes      = 0xFFFFFFFF
)

// PLL tunnel status bits at OffPLLStatus.
const (
	PLLIdle         = 1 << 0
	PLLWordAvail    = 1 << 1
)

// Backing is the byte-addressable memory a Map reads and writes. A real
// board backs it with a BAR0 mmap (internal/pcie.Window); tests back it with
// a plain byte slice.
type Backing interface {
	Bytes() []byte
}

// Map is a typed view of a board's BAR0 window.
type Map struct {
	b Backing
}

// NewMap wraps a Backing store as a register map. The backing store must be
// at least 0x4010 bytes, enough to cover every offset this package defines.
func NewMap(b Backing) *Map {
	return &Map{b: b}
}

func (m *Map) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(m.b.Bytes()[off : off+4])
}

func (m *Map) setU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(m.b.Bytes()[off:off+4], v)
}

func (m *Map) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(m.b.Bytes()[off : off+8])
}

func (m *Map) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.b.Bytes()[off:off+8], v)
}

// Magic reads the identity magic value at offset 0.
func (m *Map) Magic() uint64 { return m.u64(OffMagic) }

// MinorRev reads the minor revision.
func (m *Map) MinorRev() uint32 { return m.u32(OffMinorRev) }

// MajorRev reads the major revision.
func (m *Map) MajorRev() uint32 { return m.u32(OffMajorRev) }

// Build reads the build number.
func (m *Map) Build() uint32 { return m.u32(OffBuild) }

// Timestamp reads the build timestamp, seconds since epoch.
func (m *Map) Timestamp() uint32 { return m.u32(OffTimestamp) }

// BytesPerBeat returns the low 8 bits of the NoC params word.
func (m *Map) BytesPerBeat() uint8 { return uint8(m.u32(OffNocParams)) }

// ContentID reads the 64-bit content identifier.
func (m *Map) ContentID() uint64 { return m.u64(OffContentID) }

// Capabilities reads the capability bitmap.
func (m *Map) Capabilities() uint32 { return m.u32(OffCapabilities) }

// LinkStatus reads the link/status register.
func (m *Map) LinkStatus() uint32 { return m.u32(OffLinkStatus) }

// SetActivate strobes the NoC activation bit: true activates, false
// deactivates.
func (m *Map) SetActivate(on bool) {
	if on {
		m.b.Bytes()[OffActivate] = 1
	} else {
		m.b.Bytes()[OffActivate] = 0
	}
}

// PLLReadWord reads the PLL tunnel response word.
func (m *Map) PLLReadWord() uint32 { return m.u32(OffPLLReadWord) }

// ClearPLLReadWord writes the PLL tunnel response register, acknowledging
// and clearing a pending word.
func (m *Map) ClearPLLReadWord(v uint32) { m.setU32(OffPLLReadWord, v) }

// PLLStatus reads the PLL tunnel status register.
func (m *Map) PLLStatus() uint32 { return m.u32(OffPLLStatus) }

// SetPLLSendCtrl writes a 32-bit PLL control word.
func (m *Map) SetPLLSendCtrl(v uint32) { m.setU32(OffPLLSendCtrl, v) }

// DMAStatusWord reads the raw 64-bit DMA status word.
func (m *Map) DMAStatusWord() uint64 { return m.u64(OffDMAStatus) }

// ClearDMAStatus writes zero to the DMA status register, the device-side
// half of clear().
func (m *Map) ClearDMAStatus() { m.setU64(OffDMAStatus, 0) }

// ReadByteCount reads the last read transfer's byte count.
func (m *Map) ReadByteCount() uint32 { return m.u32(OffReadByteCount) }

// WriteByteCount reads the last write transfer's byte count.
func (m *Map) WriteByteCount() uint32 { return m.u32(OffWrtByteCount) }

// PushReadCommand writes one 64-bit command to the read DMA command FIFO.
func (m *Map) PushReadCommand(cmd uint64) { m.setU64(OffReadCmdFIFO, cmd) }

// PushWriteCommand writes one 64-bit command to the write DMA command FIFO.
func (m *Map) PushWriteCommand(cmd uint64) { m.setU64(OffWriteCmdFIFO, cmd) }

// SetMSIXEntry0Masked masks or unmasks MSI-X table entry 0.
func (m *Map) SetMSIXEntry0Masked(masked bool) {
	if masked {
		m.setU32(OffMSIXVecCtrl0, 1)
	} else {
		m.setU32(OffMSIXVecCtrl0, 0)
	}
}

// DMA command word bit layout.
const (
	cmdEndOfList = 1 << 63
	cmdLastSlot  = 1 << 62
	cmdLenShift  = 48
	cmdLenMask   = 0x3FFF // 14 bits
	cmdAddrMask  = (uint64(1) << 48) - 1
)

// MaxBusAddr is the largest bus address a DMA command word can carry.
const MaxBusAddr = cmdAddrMask

// MaxCommandLength is the largest length a single DMA command word can
// carry.
const MaxCommandLength = cmdLenMask

// PackDMACommand builds a 64-bit scatter-gather command word. length must
// fit in 14 bits and busAddr in 48 bits; PackDMACommand panics otherwise,
// since callers are expected to have already validated these against
// MaxCommandLength/MaxBusAddr (the transfer engine does, per entry, when
// debug level DMA is enabled, but the bit widths themselves are an
// unconditional hardware contract).
func PackDMACommand(endOfList, lastSlot bool, length uint32, busAddr uint64) uint64 {
	if length > cmdLenMask {
		panic(fmt.Sprintf("regs: DMA command length %d exceeds %d bits", length, 14))
	}
	if busAddr > cmdAddrMask {
		panic(fmt.Sprintf("regs: DMA command bus address %#x exceeds 48 bits", busAddr))
	}
	word := busAddr | uint64(length)<<cmdLenShift
	if endOfList {
		word |= cmdEndOfList
	}
	if lastSlot {
		word |= cmdLastSlot
	}
	return word
}

// UnpackDMACommand decodes a command word, used by tests and by the
// simulated device backend to assert on what the engine submitted.
func UnpackDMACommand(word uint64) (endOfList, lastSlot bool, length uint32, busAddr uint64) {
	endOfList = word&cmdEndOfList != 0
	lastSlot = word&cmdLastSlot != 0
	length = uint32(word>>cmdLenShift) & cmdLenMask
	busAddr = word & cmdAddrMask
	return
}

// Clock tunnel register word: 16-bit data (LSB), 15-bit register address,
// 1-bit read/not-write flag.
const (
	clkDataMask = 0xFFFF
	clkAddrMask = 0x7FFF
	clkAddrShift = 16
	clkRNWShift  = 31
)

// PackClockControl builds the 32-bit word written to OffPLLSendCtrl.
func PackClockControl(reg uint16, data uint16, readNotWrite bool) uint32 {
	if reg > clkAddrMask {
		panic(fmt.Sprintf("regs: clock register address %#x exceeds 15 bits", reg))
	}
	word := uint32(data)&clkDataMask | uint32(reg)<<clkAddrShift
	if readNotWrite {
		word |= 1 << clkRNWShift
	}
	return word
}

// UnpackClockControl is the inverse of PackClockControl, used by the
// simulated device backend in tests.
func UnpackClockControl(word uint32) (reg uint16, data uint16, readNotWrite bool) {
	data = uint16(word & clkDataMask)
	reg = uint16((word >> clkAddrShift) & clkAddrMask)
	readNotWrite = word&(1<<clkRNWShift) != 0
	return
}
