// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flash defines the device contract assumed by package fifo:
// a byte-addressable NOR flash presented through read, write, and
// page-erase primitives. NOR flash is write-asymmetric: a write can
// only clear bits (1→0); restoring bits requires erasing a whole page
// back to 0xFF fill. Only single-byte writes are assumed atomic
// across a power failure.
//
// The package also provides Mem, an in-memory device that enforces
// these semantics. Mem backs the host-side tooling in cmd/flash-fifo
// and, wrapped by package flashtest, the power-failure tests.
package flash

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Erased is the value of every byte of an erased page.
const Erased = 0xFF

// Device is a byte-addressable, page-erasable NOR flash. Addresses
// are device-absolute. Implementations are blocking and
// single-tasked; no operation takes a context because none can be
// canceled (the engine assumes exclusive ownership of the flash
// controller while a call is in flight).
//
// A healthy device does not fail. Implementations return errors only
// to model catastrophic interruption (see package flashtest); a
// power cut during WriteAt may leave any prefix of p written, with
// the in-progress byte holding any intermediate value, and a power
// cut during Erase may leave the page with arbitrary contents.
type Device interface {
	// ReadAt copies len(p) bytes at off into p.
	ReadAt(p []byte, off int64) error
	// WriteAt ANDs p into the current contents at off: bits can only
	// be cleared. Writing a byte equal to the current contents is a
	// no-op at the cell level.
	WriteAt(p []byte, off int64) error
	// Erase restores the whole page containing off to Erased fill.
	Erase(off int64) error
	// PageSize returns the erase-page size in bytes.
	PageSize() int
	// Size returns the device capacity in bytes.
	Size() int64
}

func checkRange(dev Device, op string, off int64, n int) error {
	if off < 0 || off+int64(n) > dev.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("flash: %s [%d,%d) out of device range [0,%d)", op, off, off+int64(n), dev.Size()))
	}
	return nil
}
