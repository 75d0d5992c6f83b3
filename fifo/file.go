// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flashfifo/flash"
)

// A File is an open FIFO queue within one flash file. Its on-flash
// state persists across power cycles; the in-RAM heads are
// reconstructed from flash at Open.
//
// Files are not safe for concurrent use: the engine assumes the
// device is single-tasked around the flash controller.
type File struct {
	fs   *FS
	id   FileID
	base int64 // device address of the file's first page
	size int64 // file extent in bytes
	ps   int64 // page size

	// write is the offset of the next size byte to be written. A
	// write head resting on a page boundary is parked: it waits there
	// until the page under it has been erased.
	write int64
	// readStart is the chunk the raw read head is in; readOff is the
	// number of payload bytes of it already returned.
	readStart int64
	readOff   int
	// dro is the destructive read head: the oldest chunk not yet
	// consumed.
	dro int64
	// writeCount is the rank, 1..8 cycling, stamped into the next
	// page counter.
	writeCount uint8
	// free is the bytes available for new chunks; see Size.
	free int64
}

func errClosed(id FileID) error {
	return errors.E(errors.Precondition, fmt.Sprintf("fifo: file %d is closed", id))
}

// Close drops the handle, releasing its file for a future Open. The
// engine never buffers, so there is nothing to flush: the flash
// image already reflects every call that has returned.
func (f *File) Close() error {
	if f.fs == nil {
		return errClosed(f.id)
	}
	f.fs.open[f.id] = false
	f.fs = nil
	return nil
}

// Size returns the number of file bytes currently occupied: chunk
// metadata, live payload, dead page tails, and the counters of
// written pages.
func (f *File) Size() int64 {
	return f.size - f.free
}

// Append writes p to the queue as one chunk. It returns (len(p),
// nil) on success and (0, nil) on any reject: payloads of 0 or more
// than MaxPayload bytes, payloads too large for a page, insufficient
// free space, or a write head parked on a page that has not yet been
// erased. A reject has no effect, except when p does not fit in the
// rest of the write head's page: the head then first moves to the
// next page, abandoning the tail, and the call is rejected if that
// page is not yet erased or the free space left is too small.
//
// The chunk is written size byte first, then payload, then the
// commit byte; the single-byte commit is the linearisation point. A
// power cut before it leaves a torn chunk that readers skip; a power
// cut after it leaves a durable record.
func (f *File) Append(p []byte) (int, error) {
	if f.fs == nil {
		return 0, errClosed(f.id)
	}
	if f.write%f.ps == 0 {
		// Parked on a page boundary awaiting erase; the page may
		// have been reclaimed since the last attempt.
		if err := f.enterPage(); err != nil {
			return 0, err
		}
		if f.write%f.ps == 0 {
			return 0, nil
		}
	}
	n := len(p)
	if n == 0 || n > MaxPayload {
		return 0, nil
	}
	need := int64(n) + headerSize
	if need > f.ps-counterSize {
		return 0, nil // would not fit even on an empty page
	}
	if need > f.free {
		return 0, nil
	}
	if f.write+need > f.pageStart(f.write)+f.ps {
		// No room on this page; the remaining tail goes dead.
		if err := f.advanceWritePage(); err != nil {
			return 0, err
		}
		if f.write%f.ps == 0 {
			return 0, nil // next page not yet erased
		}
		if need > f.free {
			return 0, nil
		}
	}
	if err := f.writeByte(f.write, byte(n)); err != nil {
		// The size byte may or may not have reached the flash. The
		// head stays: if it did, the next attempt rewrites the same
		// value, which is a no-op at the cell level.
		return 0, err
	}
	if err := f.fs.dev.WriteAt(p, f.base+f.write+headerSize); err != nil {
		return 0, f.burn(n, err)
	}
	if err := f.writeByte(f.write+1, stateValid); err != nil {
		return 0, f.burn(n, err)
	}
	if err := f.advanceWrite(n); err != nil {
		return n, err
	}
	return n, nil
}

// burn abandons the chunk slot at the write head after an
// interrupted write: the head moves past it in RAM so the torn chunk
// is skipped in place, and the interruption propagates to the
// caller.
func (f *File) burn(n int, err error) error {
	f.write += int64(n) + headerSize
	f.free -= int64(n) + headerSize
	if f.write >= f.size {
		f.write = 0
	}
	return err
}

// Read copies up to len(p) payload bytes into p, concatenating
// across valid chunks and pages, and advances the raw read head past
// what it returns. Torn chunks are never exposed. A short count
// means the head caught the write head; it is not an error.
func (f *File) Read(p []byte) (int, error) {
	if f.fs == nil {
		return 0, errClosed(f.id)
	}
	total := 0
	for total < len(p) {
		if f.readOff == 0 {
			if err := f.rawCursor().settle(f.write); err != nil {
				return total, err
			}
		}
		if f.readStart == f.write && f.write%f.ps == 0 {
			// The write head is parked on an unerased page and the
			// read head has drained everything up to it.
			return total, nil
		}
		szb, err := f.readByte(f.readStart)
		if err != nil {
			return total, err
		}
		if szb == flash.Erased {
			return total, nil // caught the write head
		}
		chunk := int(szb)
		take := chunk - f.readOff
		if take > len(p)-total {
			take = len(p) - total
		}
		if err := f.fs.dev.ReadAt(p[total:total+take], f.base+f.readStart+headerSize+int64(f.readOff)); err != nil {
			return total, err
		}
		total += take
		f.readOff += take
		if f.readOff == chunk {
			if err := f.rawCursor().advance(f.write); err != nil {
				return total, err
			}
			f.readOff = 0
		}
	}
	return total, nil
}

// Consume destroys the oldest whole chunks whose payloads sum to at
// most n bytes, returning the actual sum. Each chunk is stamped
// consumed and the destructive read head advances past it; a page
// the head fully vacates is erased once neither remaining head lies
// within it. Consume never splits a chunk: it stops short when the
// next chunk would not fit in the remainder of n, and it never
// passes the raw read head.
func (f *File) Consume(n int) (int, error) {
	if f.fs == nil {
		return 0, errClosed(f.id)
	}
	total := 0
	c := f.droCursor()
	for {
		if err := c.settle(f.readStart); err != nil {
			return total, err
		}
		if f.dro == f.readStart {
			return total, nil
		}
		szb, err := f.readByte(f.dro)
		if err != nil {
			return total, err
		}
		if int(szb) > n-total {
			return total, nil
		}
		if err := f.writeByte(f.dro+1, stateConsumed); err != nil {
			return total, err
		}
		total += int(szb)
		c.step(int64(szb) + headerSize)
	}
}

func (f *File) pageStart(off int64) int64 {
	return off - off%f.ps
}

func (f *File) readByte(off int64) (byte, error) {
	var b [1]byte
	err := f.fs.dev.ReadAt(b[:], f.base+off)
	return b[0], err
}

func (f *File) writeByte(off int64, v byte) error {
	b := [1]byte{v}
	return f.fs.dev.WriteAt(b[:], f.base+off)
}

func (f *File) erasePage(pageOff int64) error {
	return f.fs.dev.Erase(f.base + pageOff)
}

// enterPage is called with the write head resting on the first byte
// of a page. If the page is erased, it is stamped with the next
// counter and the head moves past it; otherwise the head stays
// parked and writes keep failing until the page is reclaimed.
func (f *File) enterPage() error {
	c, err := f.readByte(f.write)
	if err != nil {
		return err
	}
	if c != flash.Erased {
		return nil
	}
	if err := f.stampCounter(f.write); err != nil {
		return err
	}
	f.write += counterSize
	return nil
}

// advanceWrite moves the write head past a just-committed chunk of n
// payload bytes.
func (f *File) advanceWrite(n int) error {
	f.write += int64(n) + headerSize
	f.free -= int64(n) + headerSize
	if f.write >= f.size {
		f.write = 0
	}
	if f.write%f.ps == 0 {
		return f.enterPage()
	}
	return nil
}

// advanceWritePage abandons the tail of the write head's page. The
// skipped bytes go dead: they leave the free pool now and return to
// it when the destructive head passes them.
func (f *File) advanceWritePage() error {
	tail := f.ps - f.write%f.ps
	f.write += tail
	f.free -= tail
	if f.write >= f.size {
		f.write = 0
	}
	return f.enterPage()
}
