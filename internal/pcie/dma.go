// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcie

import (
	"github.com/galoisinc/bluenoc/xfer"
)

// IdentityMapper implements xfer.Mapper by using a pinned page's physical
// address directly as its DMA bus address. This is correct on the
// identity-mapped, no-IOMMU PCIe root complexes the board targets; a future
// IOMMU-backed mapper would instead call VFIO_IOMMU_MAP_DMA here and return
// the IOVA it assigns, which is why Map/Unmap take the whole span list at
// once rather than exposing per-page addresses as something the engine
// computes itself.
type IdentityMapper struct{}

// NewIdentityMapper returns a Mapper that performs no translation beyond
// what Pin already resolved.
func NewIdentityMapper() *IdentityMapper {
	return &IdentityMapper{}
}

// Map implements xfer.Mapper.
func (m *IdentityMapper) Map(spans []xfer.PageSpan, dir xfer.Direction) ([]xfer.SGEntry, error) {
	entries := make([]xfer.SGEntry, 0, len(spans))
	for _, sp := range spans {
		entries = append(entries, xfer.SGEntry{
			BusAddr: sp.Page.BusAddr + uint64(sp.Offset),
			Length:  sp.Length,
		})
	}
	return entries, nil
}

// Unmap implements xfer.Mapper. The identity mapper holds no IOMMU state to
// release; unpinning happens separately through the pages' own Release
// closures.
func (m *IdentityMapper) Unmap(entries []xfer.SGEntry, dir xfer.Direction) {}
