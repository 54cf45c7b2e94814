// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcie

import (
	"sync/atomic"
	"unsafe"
)

// rawPage returns a []byte view of the PageSize bytes starting at a
// page-aligned virtual address.
func rawPage(va uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(va)), PageSize)
}

// touchWord performs a genuine atomic read-modify-write on the first word
// of the page starting at va, leaving its value unchanged. Unlike a plain
// store of the byte's own value, an atomic RMW can't be proven side-effect
// free and so is never elided by the compiler, which is what actually
// forces the page dirty in the process's page tables.
func touchWord(va uintptr) {
	p := (*uint32)(unsafe.Pointer(va))
	atomic.AddUint32(p, 0)
}
