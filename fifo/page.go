// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"math/bits"

	"github.com/grailbio/base/log"
	"github.com/grailbio/flashfifo/flash"
)

// counterForRank returns the page counter value for write rank r in
// 1..8: 0xFE, 0xFC, 0xF8, ... 0x00. Each value clears one more bit
// than its predecessor, so ranks advance without an erase.
func counterForRank(r uint8) byte {
	return byte(0xFF << r)
}

// rankOf returns the write rank encoded by a written (non-0xFF)
// counter.
func rankOf(c byte) uint8 {
	return 8 - uint8(bits.OnesCount8(c))
}

// nextRank cycles a rank forward: 8 wraps to 1. Whether rank 8
// should instead trigger a format-wide cycle marker is left open by
// the original format; the wrap is what shipped, and three-page
// files revisit a rank long after its previous holder was erased.
func nextRank(r uint8) uint8 {
	if r == 8 {
		return 1
	}
	return r + 1
}

// legalCounter reports whether c is in the page-counter sequence:
// erased, or ones followed by zeros. Any other value means a power
// cut interrupted an erase of the page.
func legalCounter(c byte) bool {
	return c == byte(0xFF<<(8-bits.OnesCount8(c)))
}

// stampCounter claims the erased page at pageOff for writing: the
// next counter value is written and the write rank advances. The
// counter byte leaves the free pool until the page is next erased.
func (f *File) stampCounter(pageOff int64) error {
	if err := f.writeByte(pageOff, counterForRank(f.writeCount)); err != nil {
		return err
	}
	f.writeCount = nextRank(f.writeCount)
	f.free -= counterSize
	return nil
}

// maybeEraseVacated erases the page preceding the destructive head's
// page, if eligible: its first chunk must be consumed, and neither
// the write head nor the raw read head may lie within it. The write
// head resting on the page's first byte does not block the erase; it
// is parked there waiting for exactly this.
func (f *File) maybeEraseVacated() error {
	prev := f.pageStart(f.dro) - f.ps
	if prev < 0 {
		prev = f.size - f.ps
	}
	st, err := f.readByte(prev + counterSize + 1)
	if err != nil {
		return err
	}
	if st != stateConsumed {
		return nil
	}
	if f.write > prev && f.write < prev+f.ps {
		return nil
	}
	if f.readStart >= prev+counterSize && f.readStart < prev+f.ps {
		return nil
	}
	if err := f.erasePage(prev); err != nil {
		return err
	}
	f.free += counterSize
	return nil
}

// repairCorruptPage scans the file for a page lost to a torn erase
// and erases it again. A page is corrupt when its counter is outside
// the legal sequence, or when any chunk on it carries a header no
// write sequence can produce (including a chunk that would straddle
// the page end). Erases are serialized, so at most one page can be
// corrupt; the sweep stops at the first repair.
func (f *File) repairCorruptPage() error {
	for p := int64(0); p < f.size; p += f.ps {
		c, err := f.readByte(p)
		if err != nil {
			return err
		}
		if !legalCounter(c) {
			log.Debug.Printf("fifo: page %d of file %d: counter %#02x not in sequence; erasing", p/f.ps, f.id, c)
			return f.erasePage(p)
		}
		for off := p + counterSize; off < p+f.ps-1; {
			szb, err := f.readByte(off)
			if err != nil {
				return err
			}
			st, err := f.readByte(off + 1)
			if err != nil {
				return err
			}
			if classify(szb, st) == classCorrupt {
				log.Debug.Printf("fifo: page %d of file %d: impossible header (%#02x,%#02x); erasing", p/f.ps, f.id, szb, st)
				return f.erasePage(p)
			}
			if szb == flash.Erased {
				off += headerSize
				continue
			}
			next := off + int64(szb) + headerSize
			if next > p+f.ps {
				log.Debug.Printf("fifo: page %d of file %d: chunk overruns page end; erasing", p/f.ps, f.id)
				return f.erasePage(p)
			}
			off = next
		}
	}
	return nil
}
