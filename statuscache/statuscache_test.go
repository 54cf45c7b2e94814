// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package statuscache

import "testing"

type fakeDevice struct {
	word    uint64
	cleared int
}

func (f *fakeDevice) DMAStatusWord() uint64 { return f.word }
func (f *fakeDevice) ClearDMAStatus()       { f.cleared++; f.word = 0 }

func TestDecode(t *testing.T) {
	word := uint64(0)
	word |= 5                // read_buffers_level = 5
	word |= 1 << 5           // read_flushed
	word |= 1 << 6           // read_completed
	word |= 1 << 8           // read_ok
	word |= uint64(3) << 32  // write_buffers_level = 3
	word |= 1 << 39          // write_queue_full
	word |= 1 << 40          // write_ok

	got := Decode(word)
	want := Status{
		ReadBuffersLevel:  5,
		ReadFlushed:       true,
		ReadCompleted:     true,
		ReadQueueFull:     false,
		ReadOK:            true,
		WriteBuffersLevel: 3,
		WriteCompleted:    false,
		WriteQueueFull:    true,
		WriteOK:           true,
	}
	if got != want {
		t.Fatalf("Decode() = %+v, want %+v", got, want)
	}
}

func TestCacheRefreshAndSnapshot(t *testing.T) {
	dev := &fakeDevice{word: 1 << 8} // read_ok
	c := New(dev)
	if c.Snapshot().ReadOK {
		t.Fatal("snapshot should be zero before Refresh")
	}
	got := c.Refresh()
	if !got.ReadOK {
		t.Fatal("Refresh() did not pick up read_ok")
	}
	if !c.Snapshot().ReadOK {
		t.Fatal("Snapshot() after Refresh() should reflect device state")
	}
}

func TestCacheClear(t *testing.T) {
	dev := &fakeDevice{word: (1 << 5) | (1 << 6) | (1 << 8) | (1 << 38) | (1 << 40)}
	c := New(dev)
	c.Refresh()

	c.Clear(Read)
	if dev.cleared != 1 {
		t.Fatalf("ClearDMAStatus called %d times, want 1", dev.cleared)
	}
	s := c.Snapshot()
	if s.ReadFlushed || s.ReadCompleted || s.ReadOK {
		t.Fatalf("read fields not cleared: %+v", s)
	}
	if !s.WriteCompleted || !s.WriteOK {
		t.Fatalf("write fields should survive a read clear: %+v", s)
	}
}

func TestCachePollMask(t *testing.T) {
	dev := &fakeDevice{word: 1 << 8}
	c := New(dev)
	c.Refresh()
	r, w := c.PollMask()
	if !r || w {
		t.Fatalf("PollMask() = (%v,%v), want (true,false)", r, w)
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	s := Status{
		ReadBuffersLevel:  9,
		ReadFlushed:       true,
		ReadOK:            true,
		WriteBuffersLevel: 16,
		WriteCompleted:    true,
		WriteQueueFull:    true,
	}
	got := Decode(Encode(s))
	if got != s {
		t.Fatalf("Decode(Encode(s)) = %+v, want %+v", got, s)
	}
}

func TestSlotsFree(t *testing.T) {
	s := Status{ReadBuffersLevel: 12}
	if got := s.SlotsFree(Read); got != 4 {
		t.Fatalf("SlotsFree(Read) = %d, want 4", got)
	}
}
