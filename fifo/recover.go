// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/flashfifo/flash"
)

// recover rebuilds the file's heads from its flash contents alone.
// It must tolerate any state reachable by cutting power during a
// write, a commit, a consume, or an erase.
func (f *File) recover() error {
	if err := f.repairCorruptPage(); err != nil {
		return err
	}
	if err := f.siteWriteHead(); err != nil {
		return err
	}
	// The raw read head is seeded from the write head while the
	// destructive head is sited, so that the erase-eligibility
	// checks along the way consult a meaningful position.
	f.readStart = f.write
	if err := f.siteDestructiveHead(); err != nil {
		return err
	}
	f.readStart = f.dro
	f.readOff = 0
	return f.recountFree()
}

// siteWriteHead locates the write head: the most recently written
// page is the one with the smallest counter in the legal sequence
// (fewest ones), and within it the head rests at the first erased
// size byte. The write rank resumes from that counter.
func (f *File) siteWriteHead() error {
	smallest := byte(flash.Erased)
	var wpage int64
	for p := int64(0); p < f.size; p += f.ps {
		c, err := f.readByte(p)
		if err != nil {
			return err
		}
		if c != flash.Erased && c < smallest {
			smallest = c
			wpage = p
		}
	}
	f.write = wpage
	if smallest != flash.Erased {
		f.writeCount = nextRank(rankOf(smallest))
	} else {
		f.writeCount = 1
	}

	szb, err := f.readByte(f.write + counterSize)
	if err != nil {
		return err
	}
	if szb == flash.Erased {
		// The page holds no chunks yet. On a fully erased file,
		// claim the first page now so the write head always rests on
		// a stamped page.
		c, err := f.readByte(f.write)
		if err != nil {
			return err
		}
		if c == flash.Erased {
			if err := f.stampCounter(f.write); err != nil {
				return err
			}
		}
		f.write += counterSize
		return nil
	}
	f.write += counterSize
	for {
		szb, err := f.readByte(f.write)
		if err != nil {
			return err
		}
		if szb == flash.Erased {
			return nil
		}
		f.write += int64(szb) + headerSize
		if f.write >= f.size {
			f.write = 0
		}
		if f.write%f.ps == 0 {
			// The most recent page is completely full: move into the
			// next page if it has been erased, else park on its
			// boundary.
			return f.enterPage()
		}
	}
}

// siteDestructiveHead locates the oldest unconsumed chunk by walking
// pages backwards from the write head's page. A page whose first
// chunk is consumed contains (or precedes) the head: the destructive
// cursor sweeps forward from it, retiring torn chunks and erasing
// fully consumed pages as it goes. A page with an erased counter
// means the previously examined page was the earliest live one; a
// full circle means every page is live and the oldest chunk begins
// just after the write head's page.
func (f *File) siteDestructiveHead() error {
	if f.write%f.ps == 0 {
		// The write head is parked on a page boundary waiting for
		// the page under it to be erased: that page holds the oldest
		// records. Sweep forward from its first chunk.
		f.dro = f.write + counterSize
		return f.droCursor().settle(f.write)
	}
	wpage := f.pageStart(f.write)
	cur, prev := wpage, wpage
	for i := 0; ; i++ {
		if i > 0 && cur == wpage {
			next := wpage + f.ps
			if next >= f.size {
				next = 0
			}
			f.dro = next + counterSize
			return nil
		}
		c, err := f.readByte(cur)
		if err != nil {
			return err
		}
		if c == flash.Erased {
			f.dro = prev + counterSize
			return nil
		}
		szb, err := f.readByte(cur + counterSize)
		if err != nil {
			return err
		}
		st, err := f.readByte(cur + counterSize + 1)
		if err != nil {
			return err
		}
		if classify(szb, st) == classConsumed {
			f.dro = cur + counterSize
			return f.droCursor().settle(f.write)
		}
		prev = cur
		cur -= f.ps
		if cur < 0 {
			cur = f.size - f.ps
		}
	}
}

// recountFree derives the free pool from the recovered heads: the
// file size, less a counter byte per written page, less every chunk
// and dead page tail between the destructive head and the write
// head.
func (f *File) recountFree() error {
	free := f.size
	for p := int64(0); p < f.size; p += f.ps {
		c, err := f.readByte(p)
		if err != nil {
			return err
		}
		if c != flash.Erased {
			free -= counterSize
		}
	}
	pos := f.dro
	for guard := f.size; pos != f.write; guard-- {
		if guard <= 0 {
			return errors.E(errors.Integrity, "fifo: free-space walk did not terminate")
		}
		if pos%f.ps == 0 {
			pos += counterSize
			continue
		}
		szb, err := f.readByte(pos)
		if err != nil {
			return err
		}
		var n int64
		if szb == flash.Erased {
			n = f.ps - pos%f.ps // dead tail
		} else {
			n = int64(szb) + headerSize
		}
		free -= n
		pos += n
		if pos >= f.size {
			pos -= f.size
		}
	}
	f.free = free
	return nil
}
