// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flashfifo/flash"
)

// A cursor advances one of a file's read-side heads around the ring.
// The raw read head and the destructive read head obey the same
// landing rules; they differ in whether the bytes they pass over are
// reclaimed into the free pool, and in whether passing retires what
// it passes (stamping torn chunks and erasing vacated pages). The
// cursor mutates the head it aliases so that a failure mid-walk
// leaves the head at its last consistent position.
type cursor struct {
	f       *File
	pos     *int64
	reclaim bool // passed-over bytes return to the free pool
	retire  bool // stamp torn chunks; erase pages fully vacated
}

func (f *File) rawCursor() cursor {
	return cursor{f: f, pos: &f.readStart}
}

func (f *File) droCursor() cursor {
	return cursor{f: f, pos: &f.dro, reclaim: true, retire: true}
}

// step moves the head forward n bytes, wrapping at the file end.
// Page-boundary bookkeeping is left to settle.
func (c cursor) step(n int64) {
	*c.pos += n
	if c.reclaim {
		c.f.free += n
	}
	if *c.pos >= c.f.size {
		*c.pos -= c.f.size
	}
}

// settle resolves the head to its landing position: the next Valid
// chunk, or the stop head. Along the way it skips page counter bytes
// (which are never reclaimed: they stay dead until their page is
// erased), jumps erased page tails, and passes over Invalid and
// Consumed chunks. The comparison with stop happens before the
// counter skip, so a head meeting a write head parked on a page
// boundary stops exactly on it.
func (c cursor) settle(stop int64) error {
	f := c.f
	for {
		if *c.pos == stop {
			return nil
		}
		if *c.pos%f.ps == 0 {
			*c.pos += counterSize
			if c.retire {
				if err := f.maybeEraseVacated(); err != nil {
					return err
				}
			}
			continue
		}
		if *c.pos%f.ps == f.ps-1 {
			// The page's last byte cannot hold a header: it is an
			// erased tail of one byte.
			c.step(1)
			continue
		}
		szb, err := f.readByte(*c.pos)
		if err != nil {
			return err
		}
		st, err := f.readByte(*c.pos + 1)
		if err != nil {
			return err
		}
		switch classify(szb, st) {
		case classValid:
			return nil
		case classCorrupt:
			// Unreachable after open-time repair; refuse to walk a
			// header whose size cannot be trusted.
			return errors.E(errors.Integrity, fmt.Sprintf("fifo: impossible header (%#02x,%#02x) at offset %d of file %d", szb, st, *c.pos, f.id))
		case classErased:
			c.step(f.ps - *c.pos%f.ps)
		case classInvalid:
			if c.retire {
				// A torn chunk blocks reclamation of its page until
				// its state byte says consumed; stamp it on the way
				// past.
				if err := f.writeByte(*c.pos+1, stateConsumed); err != nil {
					return err
				}
			}
			c.step(int64(szb) + headerSize)
		default: // consumed
			c.step(int64(szb) + headerSize)
		}
	}
}

// advance moves the head, currently at a chunk boundary, past its
// chunk and settles it.
func (c cursor) advance(stop int64) error {
	szb, err := c.f.readByte(*c.pos)
	if err != nil {
		return err
	}
	if szb == flash.Erased {
		// Nothing to advance past; settle alone resolves the head.
		return c.settle(stop)
	}
	c.step(int64(szb) + headerSize)
	return c.settle(stop)
}
