// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package boardreg

import "testing"

// reset clears the package-level registry between tests. Tests in this
// package must not run in parallel with each other.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	byNumber = map[int]interface{}{}
}

func TestRegisterAssignsLowestUnused(t *testing.T) {
	reset()
	n1, err := Register("a")
	if err != nil || n1 != 1 {
		t.Fatalf("Register() = (%d, %v), want (1, nil)", n1, err)
	}
	n2, err := Register("b")
	if err != nil || n2 != 2 {
		t.Fatalf("Register() = (%d, %v), want (2, nil)", n2, err)
	}
	Unregister(n1)
	n3, err := Register("c")
	if err != nil || n3 != 1 {
		t.Fatalf("Register() after Unregister(1) = (%d, %v), want (1, nil)", n3, err)
	}
}

func TestRegisterExhaustsRange(t *testing.T) {
	reset()
	for i := 0; i < MaxBoards; i++ {
		if _, err := Register(i); err != nil {
			t.Fatalf("Register() #%d error = %v", i, err)
		}
	}
	if _, err := Register("overflow"); err == nil {
		t.Fatal("Register() past MaxBoards = nil error, want error")
	}
}

func TestLookupAndNumbers(t *testing.T) {
	reset()
	n, err := Register("board0")
	if err != nil {
		t.Fatal(err)
	}
	b, ok := Lookup(n)
	if !ok || b.(string) != "board0" {
		t.Fatalf("Lookup(%d) = (%v, %v), want (\"board0\", true)", n, b, ok)
	}
	if _, ok := Lookup(n + 1); ok {
		t.Fatal("Lookup() of an unregistered number returned ok=true")
	}
	nums := Numbers()
	if len(nums) != 1 || nums[0] != n {
		t.Fatalf("Numbers() = %v, want [%d]", nums, n)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	reset()
	Unregister(17)
	if len(Numbers()) != 0 {
		t.Fatal("Unregister() of an unregistered number mutated the registry")
	}
}
