// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package boardreg is the registry of live boards keyed by board number: a
// flat indexed container replacing the original driver's intrusive linked
// list, keeping its "skip claimed numbers" allocation policy (lowest unused
// in [1, MAX_BOARDS]).
//
// It is grounded on conn/i2c/i2creg's bus registry: a package-level map
// behind a mutex, with numbers instead of names as the primary key. There is
// no name-based or "open the default" lookup; Lookup takes an exact number.
package boardreg

import (
	"fmt"
	"sort"
	"sync"
)

// MaxBoards is the largest board number the registry will hand out, a
// choice of 32, which comfortably exceeds the PCIe slot count of any host
// this driver targets.
const MaxBoards = 32

var (
	mu       sync.Mutex
	byNumber = map[int]interface{}{}
)

// Register claims the lowest unused board number in [1, MaxBoards] for b and
// returns it. b is typically a *bluenoc.Board; it is stored as an opaque
// handle so this package does not need to import its caller.
func Register(b interface{}) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	for n := 1; n <= MaxBoards; n++ {
		if _, ok := byNumber[n]; !ok {
			byNumber[n] = b
			return n, nil
		}
	}
	return 0, wrapf("no free board number in [1, %d]", MaxBoards)
}

// Unregister releases number, making it available for reuse. Unregistering
// a number that isn't registered is a no-op.
func Unregister(number int) {
	mu.Lock()
	defer mu.Unlock()
	delete(byNumber, number)
}

// Lookup returns the handle registered under number, if any.
func Lookup(number int) (interface{}, bool) {
	mu.Lock()
	defer mu.Unlock()
	b, ok := byNumber[number]
	return b, ok
}

// Numbers returns every currently registered board number, sorted.
func Numbers() []int {
	mu.Lock()
	defer mu.Unlock()
	out := make([]int, 0, len(byNumber))
	for n := range byNumber {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func wrapf(format string, a ...interface{}) error {
	return fmt.Errorf("boardreg: "+format, a...)
}
