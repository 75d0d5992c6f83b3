// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"testing"

	"github.com/grailbio/flashfifo/flash"
)

func TestCounterSequence(t *testing.T) {
	want := []byte{0xFE, 0xFC, 0xF8, 0xF0, 0xE0, 0xC0, 0x80, 0x00}
	for i, c := range want {
		r := uint8(i + 1)
		if got := counterForRank(r); got != c {
			t.Errorf("rank %d: got %#02x, want %#02x", r, got, c)
		}
		if got := rankOf(c); got != r {
			t.Errorf("counter %#02x: got rank %v, want %v", c, got, r)
		}
		if !legalCounter(c) {
			t.Errorf("counter %#02x reported illegal", c)
		}
	}
	if got, want := nextRank(8), uint8(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := nextRank(3), uint8(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLegalCounterSet(t *testing.T) {
	legal := map[byte]bool{0xFF: true}
	for r := uint8(1); r <= 8; r++ {
		legal[counterForRank(r)] = true
	}
	for c := 0; c < 256; c++ {
		if got, want := legalCounter(byte(c)), legal[byte(c)]; got != want {
			t.Errorf("counter %#02x: got %v, want %v", c, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		size, state byte
		want        class
	}{
		{flash.Erased, flash.Erased, classErased},
		{flash.Erased, stateValid, classCorrupt},
		{flash.Erased, 0x00, classCorrupt},
		{1, stateInvalid, classInvalid},
		{254, stateInvalid, classInvalid},
		{4, stateValid, classValid},
		{4, stateConsumed, classConsumed},
		{0, stateValid, classCorrupt},
		{0, flash.Erased, classCorrupt},
		{4, 0xFD, classCorrupt},
		{4, 0x00, classCorrupt},
	} {
		if got := classify(tc.size, tc.state); got != tc.want {
			t.Errorf("classify(%#02x, %#02x): got %v, want %v", tc.size, tc.state, got, tc.want)
		}
	}
}
