// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flash

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/willf/bitset"
)

// Mem is an in-memory NOR flash device. Writes AND into the current
// contents and erases are whole-page, as on the real part. Mem
// additionally tracks which bytes have been programmed (written to a
// value other than Erased) since their page was last erased, so that
// tests and tools can audit device usage.
type Mem struct {
	pageSize   int
	buf        []byte
	programmed *bitset.BitSet
}

// NewMem returns an erased in-memory device of npages pages of
// pageSize bytes each.
func NewMem(pageSize, npages int) *Mem {
	m := &Mem{
		pageSize:   pageSize,
		buf:        make([]byte, pageSize*npages),
		programmed: bitset.New(uint(pageSize * npages)),
	}
	for i := range m.buf {
		m.buf[i] = Erased
	}
	return m
}

// NewMemBytes returns an in-memory device backed by a copy of image,
// which must be a whole number of pages.
func NewMemBytes(pageSize int, image []byte) (*Mem, error) {
	if len(image)%pageSize != 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("flash: image size %d is not a multiple of page size %d", len(image), pageSize))
	}
	m := &Mem{
		pageSize:   pageSize,
		buf:        append([]byte{}, image...),
		programmed: bitset.New(uint(len(image))),
	}
	for i, b := range m.buf {
		if b != Erased {
			m.programmed.Set(uint(i))
		}
	}
	return m, nil
}

// ReadAt implements Device.
func (m *Mem) ReadAt(p []byte, off int64) error {
	if err := checkRange(m, "read", off, len(p)); err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

// WriteAt implements Device. Each byte of p is ANDed into the
// current contents.
func (m *Mem) WriteAt(p []byte, off int64) error {
	if err := checkRange(m, "write", off, len(p)); err != nil {
		return err
	}
	for i, b := range p {
		m.buf[off+int64(i)] &= b
		if m.buf[off+int64(i)] != Erased {
			m.programmed.Set(uint(off) + uint(i))
		}
	}
	return nil
}

// Erase implements Device.
func (m *Mem) Erase(off int64) error {
	if err := checkRange(m, "erase", off, 1); err != nil {
		return err
	}
	start := off - off%int64(m.pageSize)
	for i := start; i < start+int64(m.pageSize); i++ {
		m.buf[i] = Erased
		m.programmed.Clear(uint(i))
	}
	return nil
}

// PageSize implements Device.
func (m *Mem) PageSize() int { return m.pageSize }

// Size implements Device.
func (m *Mem) Size() int64 { return int64(len(m.buf)) }

// ProgrammedBytes returns the number of bytes currently holding a
// value other than Erased.
func (m *Mem) ProgrammedBytes() int { return int(m.programmed.Count()) }

// Bytes returns the device contents. The returned slice aliases the
// device; it is intended for inspection by tests and tools.
func (m *Mem) Bytes() []byte { return m.buf }
