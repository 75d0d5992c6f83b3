// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import "github.com/grailbio/flashfifo/flash"

// A class is the interpretation of a chunk's two header bytes.
type class int

const (
	// classErased marks untouched space: no chunk here.
	classErased class = iota
	// classInvalid marks a chunk whose write was cut before the
	// commit byte. Readers skip it; position arithmetic respects it.
	classInvalid
	// classValid marks a committed, readable chunk.
	classValid
	// classConsumed marks a chunk surrendered for page reclamation.
	classConsumed
	// classCorrupt marks a (size, state) pair no write sequence can
	// produce; its page was lost to a torn erase.
	classCorrupt
)

func (c class) String() string {
	switch c {
	case classErased:
		return "erased"
	case classInvalid:
		return "invalid"
	case classValid:
		return "valid"
	case classConsumed:
		return "consumed"
	default:
		return "corrupt"
	}
}

// classify interprets a chunk header. The legal pairs are the states
// reachable by the write sequence (size, payload, commit) and the
// consume transition; everything else is corruption:
//
//	size    state   class
//	0xFF    0xFF    erased
//	0xFF    other   corrupt
//	1..254  0xFF    invalid
//	1..254  0xFE    valid
//	1..254  0xFC    consumed
//	else    any     corrupt
func classify(size, state byte) class {
	if size == flash.Erased {
		if state == flash.Erased {
			return classErased
		}
		return classCorrupt
	}
	if size == 0 {
		return classCorrupt
	}
	switch state {
	case stateInvalid:
		return classInvalid
	case stateValid:
		return classValid
	case stateConsumed:
		return classConsumed
	}
	return classCorrupt
}
