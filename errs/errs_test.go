// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package errs

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestKindOfDirect(t *testing.T) {
	err := New(ResourceBusy, "xfer.Transfer", nil)
	if got := KindOf(err); got != ResourceBusy {
		t.Fatalf("KindOf() = %v, want %v", got, ResourceBusy)
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	inner := New(HardwareInvalid, "ladder.MagicOK", fmt.Errorf("magic mismatch"))
	wrapped := fmt.Errorf("ladder: MAGIC_OK: %w", inner)
	if got := KindOf(wrapped); got != HardwareInvalid {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, HardwareInvalid)
	}
	if !Is(wrapped, HardwareInvalid) {
		t.Fatal("Is(wrapped, HardwareInvalid) = false, want true")
	}
}

func TestKindOfUnrelatedError(t *testing.T) {
	if got := KindOf(fmt.Errorf("plain error")); got != Other {
		t.Fatalf("KindOf(plain) = %v, want %v", got, Other)
	}
	if got := KindOf(nil); got != Other {
		t.Fatalf("KindOf(nil) = %v, want %v", got, Other)
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidArgument, -int(unix.EINVAL)},
		{ResourceBusy, -int(unix.EBUSY)},
		{NoMemory, -int(unix.ENOMEM)},
		{IO, -int(unix.EIO)},
		{HardwareInvalid, -int(unix.ENXIO)},
		{NotATTY, -int(unix.ENOTTY)},
	}
	for _, c := range cases {
		if got := c.kind.Errno(); got != c.want {
			t.Errorf("%v.Errno() = %d, want %d", c.kind, got, c.want)
		}
	}
}
