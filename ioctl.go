// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bluenoc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/galoisinc/bluenoc/clock"
	"github.com/galoisinc/bluenoc/errs"
	"github.com/galoisinc/bluenoc/internal/dbglog"
	"github.com/galoisinc/bluenoc/ladder"
	"github.com/galoisinc/bluenoc/regs"
)

// IoctlMagic is the single byte every valid ioctl command must carry in its
// magic field. Anything else is ENOTTY, not a board-specific error, since
// it means the caller isn't even talking this protocol.
const IoctlMagic = 0xB5

// IoctlOp numbers the board's twelve control-plane operations. The values
// are the wire numbers a real ioctl(2) client would pass; they are
// iota-assigned in that wire order so the declaration is itself the source
// of truth for the ordering.
type IoctlOp int

const (
	OpIdentify IoctlOp = iota
	OpSoftReset
	OpDeactivate
	OpReactivate
	OpGetDebug
	OpSetDebug
	OpGetStatus
	OpClkRdWord
	OpClkGetStatus
	OpClkClrWord
	OpClkSendCtrl
	OpCapabilities
	numOps
)

// BoardInfo is the fixed, packed IDENTIFY payload: every field a caller
// needs to tell boards apart and tell whether this one is usable, with no
// padding between fields.
type BoardInfo struct {
	BoardNumber  uint32
	IsActive     uint32
	MajorRev     uint32
	MinorRev     uint32
	Build        uint32
	Timestamp    uint32
	BytesPerBeat uint32
	ContentID    uint64
	SubvendorID  uint32
	SubdeviceID  uint32
}

// MarshalBinary packs bi field-by-field, little-endian, in declaration
// order, with no inter-field padding — the wire shape a C caller's packed
// struct would expect.
func (bi BoardInfo) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range []interface{}{
		bi.BoardNumber, bi.IsActive, bi.MajorRev, bi.MinorRev, bi.Build,
		bi.Timestamp, bi.BytesPerBeat, bi.ContentID, bi.SubvendorID, bi.SubdeviceID,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Identify returns the IDENTIFY payload, usable at any activation level:
// the board number and revision fields are stable from MAGIC_OK onward, and
// IsActive simply reports whether they're also live right now.
func (b *Board) Identify() BoardInfo {
	b.mu.Lock()
	id := b.identity
	rung := b.rung
	number := b.number
	b.mu.Unlock()

	var active uint32
	if rung == ladder.FullyActive {
		active = 1
	}
	return BoardInfo{
		BoardNumber:  uint32(number),
		IsActive:     active,
		MajorRev:     id.MajorRev,
		MinorRev:     id.MinorRev,
		Build:        id.Build,
		Timestamp:    id.Timestamp,
		BytesPerBeat: uint32(id.BytesPerBeat),
		ContentID:    id.ContentID,
		SubvendorID:  uint32(b.cfg.VendorID),
		SubdeviceID:  uint32(b.cfg.DeviceID),
	}
}

// LinkStatus returns the raw GET_STATUS word, or regs.StatusAllOnes if the
// board doesn't advertise CapStatus: an unambiguous sentinel for "this
// hardware predates the status register", rather than a zero value a caller
// could mistake for "link down".
func (b *Board) LinkStatus() (uint32, error) {
	const op = "Board.LinkStatus"
	if b.Rung() != ladder.FullyActive {
		return 0, errs.New(errs.IO, op, fmt.Errorf("board is not fully active"))
	}
	if b.Capabilities()&regs.CapStatus == 0 {
		return regs.StatusAllOnes, nil
	}
	return b.regMap().LinkStatus(), nil
}

// Capabilities returns the capability bitmap latched at MAGIC_OK.
func (b *Board) Capabilities() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity.Capabilities
}

// GetDebug returns the current debug_level bitset.
func (b *Board) GetDebug() uint32 { return uint32(b.log.Level()) }

// SetDebug installs a new debug_level bitset. Crossing the PROFILE bit
// resets the running counters on the rising edge, or logs and leaves them
// untouched on the falling edge.
func (b *Board) SetDebug(v uint32) {
	next := dbglog.Level(v)
	prev := b.log.SetLevel(next)
	changed := prev ^ next
	if changed&dbglog.Profile == 0 {
		return
	}
	if next&dbglog.Profile != 0 {
		b.counters.Reset()
	} else {
		b.log.Summary(b.Number(), &b.counters)
	}
}

// clkRdWord, clkClrWord, clkGetStatus and clkSendCtrl are the four raw
// register-tunnel primitives behind the CLK_* ioctls, passed straight to
// BAR0 rather than through clock.Tunnel, so an external caller can run the
// same D/M/Dout programming sequence clock.Tunnel runs in-process (see
// ClockTunnel). Gated on FULLY_ACTIVE since they touch BAR0 directly.

func (b *Board) clkRdWord() (uint32, error) {
	if err := b.requireActive("Board.ClkRdWord"); err != nil {
		return 0, err
	}
	return b.regMap().PLLReadWord(), nil
}

func (b *Board) clkClrWord(v uint32) error {
	if err := b.requireActive("Board.ClkClrWord"); err != nil {
		return err
	}
	b.regMap().ClearPLLReadWord(v)
	return nil
}

func (b *Board) clkGetStatus() (uint32, error) {
	if err := b.requireActive("Board.ClkGetStatus"); err != nil {
		return 0, err
	}
	return b.regMap().PLLStatus(), nil
}

func (b *Board) clkSendCtrl(v uint32) error {
	if err := b.requireActive("Board.ClkSendCtrl"); err != nil {
		return err
	}
	b.regMap().SetPLLSendCtrl(v)
	return nil
}

func (b *Board) requireActive(op string) error {
	if b.Rung() != ladder.FullyActive {
		return errs.New(errs.IO, op, fmt.Errorf("board is not fully active"))
	}
	return nil
}

// ClockTunnel returns the board's clock.Tunnel, for a caller that wants to
// run the full D/M/Dout frequency-programming sequence in-process rather
// than replaying clock.Tunnel's Write/Read handshake one CLK_* ioctl at a
// time.
func (b *Board) ClockTunnel() *clock.Tunnel { return b.tunnel }

// Ioctl dispatches one numbered control-plane operation, validating magic
// and op the way a real ioctl(2) entry point validates its
// cmd argument before looking at arg. in carries an IOW payload (4 bytes for
// the uint32-valued ops); out carries an IOR result. Unused directions are
// nil/empty.
func (b *Board) Ioctl(ctx context.Context, magic byte, op IoctlOp, in []byte) (out []byte, err error) {
	const errOp = "Board.Ioctl"
	if magic != IoctlMagic || op < 0 || op >= numOps {
		return nil, errs.New(errs.NotATTY, errOp, fmt.Errorf("unknown ioctl magic=%#x op=%d", magic, op))
	}

	switch op {
	case OpIdentify:
		info := b.Identify()
		buf, merr := info.MarshalBinary()
		if merr != nil {
			return nil, errs.New(errs.IO, errOp, merr)
		}
		return buf, nil

	case OpSoftReset:
		return nil, b.SoftReset(ctx)

	case OpDeactivate:
		return nil, b.Deactivate(ctx)

	case OpReactivate:
		return nil, b.Reactivate()

	case OpGetDebug:
		return u32Bytes(b.GetDebug()), nil

	case OpSetDebug:
		v, perr := parseU32(in)
		if perr != nil {
			return nil, errs.New(errs.InvalidArgument, errOp, perr)
		}
		b.SetDebug(v)
		return nil, nil

	case OpGetStatus:
		v, serr := b.LinkStatus()
		if serr != nil {
			return nil, serr
		}
		return u32Bytes(v), nil

	case OpClkRdWord:
		v, cerr := b.clkRdWord()
		if cerr != nil {
			return nil, cerr
		}
		return u32Bytes(v), nil

	case OpClkGetStatus:
		v, cerr := b.clkGetStatus()
		if cerr != nil {
			return nil, cerr
		}
		return u32Bytes(v), nil

	case OpClkClrWord:
		v, perr := parseU32(in)
		if perr != nil {
			return nil, errs.New(errs.InvalidArgument, errOp, perr)
		}
		return nil, b.clkClrWord(v)

	case OpClkSendCtrl:
		v, perr := parseU32(in)
		if perr != nil {
			return nil, errs.New(errs.InvalidArgument, errOp, perr)
		}
		return nil, b.clkSendCtrl(v)

	case OpCapabilities:
		return u32Bytes(b.Capabilities()), nil

	default:
		return nil, errs.New(errs.NotATTY, errOp, fmt.Errorf("unhandled op %d", op))
	}
}

func parseU32(in []byte) (uint32, error) {
	if len(in) != 4 {
		return 0, fmt.Errorf("expected a 4-byte argument, got %d bytes", len(in))
	}
	return binary.LittleEndian.Uint32(in), nil
}

func u32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
