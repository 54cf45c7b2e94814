// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcie

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/galoisinc/bluenoc/xfer"
)

// PageSize is the host page size assumed by the pinning and virt-to-phys
// math, matching xfer.PageSize.
const PageSize = xfer.PageSize

// PagePinner pins user virtual memory for DMA by mlock'ing it and resolving
// each page's physical address through /proc/self/pagemap. Unlike backing a
// fixed-size allocation with contiguous physical pages, it pins a
// caller-supplied, possibly non-contiguous range without requiring
// contiguity, since the transfer engine builds a scatter-gather list rather
// than assuming one run.
//
// A DMA command word carries only 48 bits of bus address, and the board's
// DMA_MASK_SET rung sets no mask; this implementation assumes bus address
// equals physical address, which holds on the identity-mapped PCIe root
// complexes the bring-up systems target.
type PagePinner struct{}

// NewPagePinner returns a Pinner backed by mlock and /proc/self/pagemap.
func NewPagePinner() *PagePinner {
	return &PagePinner{}
}

// Pin implements xfer.Pinner.
func (p *PagePinner) Pin(addr uintptr, count int, dir xfer.Direction) ([]xfer.Page, error) {
	off := int(addr % PageSize)
	base := addr - uintptr(off)
	span := off + count
	n := (span + PageSize - 1) / PageSize

	pages := make([]xfer.Page, 0, n)
	for i := 0; i < n; i++ {
		va := base + uintptr(i*PageSize)
		buf := rawPage(va)
		if err := unix.Mlock(buf); err != nil {
			return pages, fmt.Errorf("pcie: mlock page %d at %#x: %w", i, va, err)
		}
		phys, err := virtToPhys(va)
		if err != nil {
			unix.Munlock(buf)
			return pages, fmt.Errorf("pcie: resolve page %d at %#x: %w", i, va, err)
		}
		pageVA := va
		pageBuf := buf
		var dirty func()
		if dir == xfer.DirRead {
			dirty = func() { markPageDirty(pageVA) }
		}
		pages = append(pages, xfer.Page{
			BusAddr: phys,
			Dirty:   dirty,
			Release: func() { unix.Munlock(pageBuf) },
		})
	}
	return pages, nil
}

// virtToPhys resolves the physical page address backing a page-aligned
// virtual address.
func virtToPhys(virt uintptr) (uint64, error) {
	word, err := readPageMap(virt)
	if err != nil {
		return 0, err
	}
	return decodePageMapEntry(virt, word)
}

// decodePageMapEntry interprets one raw /proc/self/pagemap word, per
// https://www.kernel.org/doc/Documentation/vm/pagemap.txt: bit 63 marks the
// page present, bit 62 marks it swapped, and bits 0-54 are the physical
// page frame number once those flag bits are stripped.
func decodePageMapEntry(virt uintptr, word uint64) (uint64, error) {
	if word&(1<<63) == 0 {
		return 0, fmt.Errorf("pcie: %#x has no physical page mapped", virt)
	}
	if word&(1<<62) != 0 {
		return 0, fmt.Errorf("pcie: %#x is swapped out", virt)
	}
	word &^= 0x1FF << 55
	return word * PageSize, nil
}

var pageMapFile *os.File

// readPageMap reads one 8-byte /proc/self/pagemap entry for the page
// containing virt.
func readPageMap(virt uintptr) (uint64, error) {
	if pageMapFile == nil {
		f, err := os.OpenFile("/proc/self/pagemap", os.O_RDONLY, 0)
		if err != nil {
			return 0, fmt.Errorf("pcie: open pagemap: %w", err)
		}
		pageMapFile = f
	}
	var b [8]byte
	off := int64(virt / PageSize * 8)
	if _, err := pageMapFile.ReadAt(b[:], off); err != nil {
		return 0, fmt.Errorf("pcie: read pagemap at %#x: %w", off, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// markPageDirty marks the page containing va dirty by performing an atomic
// no-op read-modify-write on it: touching a word in it through a writable
// mapping is sufficient to mark it dirty in the page tables, since va is
// already mapped writable (read pins require write access so the device's
// incoming data is visible to the process at all).
func markPageDirty(va uintptr) {
	touchWord(va)
}
