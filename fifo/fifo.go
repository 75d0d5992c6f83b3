// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fifo implements persistent first-in-first-out byte queues
// stored directly in NOR flash. Queues buffer streams of records
// (log entries, telemetry, crash dumps) on devices where RAM is
// scarce and power may be cut at any instant: after an arbitrary
// power loss a queue reopens to either its exact pre-crash state or
// a state that differs only by complete, committed records.
//
// Data layout
//
// A file occupies a fixed, contiguous, page-aligned region of flash;
// its pages form a logical ring. Each page begins with a one-byte
// page counter and is then filled, low to high, with variable-length
// chunks:
//
//	page :=
//		counter uint8       // write-order rank; 0xFF while erased
//		chunk*              // chunks never straddle a page
//		padding             // erased (0xFF) fill
//
//	chunk :=
//		size uint8          // payload length, 1..254; 0xFF while erased
//		state uint8         // 0xFF invalid, 0xFE valid, 0xFC consumed
//		data [size]uint8
//
// NOR flash clears bits but cannot set them without erasing a whole
// page, and only single-byte writes are atomic across a power cut.
// Every field above is chosen so that each legal transition clears
// bits in exactly one byte: a chunk is written as size, payload,
// then the state byte's 0xFF→0xFE commit, which is the linearisation
// point; it is later retired by the 0xFE→0xFC consume. A chunk whose state
// is still 0xFF under a written size byte was torn by a power cut;
// readers skip it but respect its extent.
//
// Page counters take values from the descending sequence 0xFE, 0xFC,
// 0xF8, ... 0x00: left-shifted masks whose count of 1 bits encodes
// the write-order rank (fewer ones, written later). Advancing the
// counter only clears bits, so pages are ordered without erases, and
// the smallest counter always marks the most recently written page.
// A counter outside the sequence identifies a page lost to a torn
// erase; it is erased again at open.
//
// Queues are accessed through an FS, which owns a flash.Device and a
// static partition of it into files. Open reconstructs a file's
// write head, read head, and destructive-read head by scanning its
// pages; no state outside the flash image is needed.
//
// The engine is single-tasked and synchronous, matching the flash
// parts it targets: no operation suspends, and handles must not be
// shared across goroutines.
package fifo

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/flashfifo/flash"
)

const (
	// MaxPayload is the largest payload a single chunk can carry. The
	// size byte must stay below 0xFF, which marks erased space.
	MaxPayload = 254

	headerSize  = 2
	counterSize = 1

	stateInvalid  = 0xFF
	stateValid    = 0xFE
	stateConsumed = 0xFC
)

// A FileID names one file of an FS's partition. IDs are dense
// integers in [0, Config.Files).
type FileID int

// Config describes a static partition of a device into equally sized
// files, laid out contiguously from Base.
type Config struct {
	// Base is the device address of the first file. It must be
	// page-aligned.
	Base int64
	// Files is the number of files in the partition.
	Files int
	// Pages is the number of pages per file. Three is the minimum:
	// at any moment one page may be erasing, one filling, and one
	// draining.
	Pages int
}

// An FS provides access to the FIFO files of one flash device. It
// tracks open handles so that each file has at most one; several FS
// values may coexist, each owning its own device.
type FS struct {
	dev  flash.Device
	cfg  Config
	open []bool
}

// New returns an FS for the given device and partition. The
// partition must fit the device and carry at least three pages per
// file; files of more than eight pages would exhaust the one-byte
// counter's ordering capacity and are rejected.
func New(dev flash.Device, cfg Config) (*FS, error) {
	ps := int64(dev.PageSize())
	switch {
	case ps < 8:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: page size %d too small", ps))
	case cfg.Files < 1:
		return nil, errors.E(errors.Invalid, "fifo: partition must have at least one file")
	case cfg.Pages < 3:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: %d pages per file; need at least 3", cfg.Pages))
	case cfg.Pages > 8:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: %d pages per file exceeds the page counter's capacity of 8", cfg.Pages))
	case cfg.Base < 0 || cfg.Base%ps != 0:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: base address %d is not page-aligned", cfg.Base))
	}
	size := int64(cfg.Files) * int64(cfg.Pages) * ps
	if cfg.Base+size > dev.Size() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: partition [%d,%d) exceeds device size %d", cfg.Base, cfg.Base+size, dev.Size()))
	}
	return &FS{dev: dev, cfg: cfg, open: make([]bool, cfg.Files)}, nil
}

// FileSize returns the extent of each file in bytes.
func (fs *FS) FileSize() int64 {
	return int64(fs.cfg.Pages) * int64(fs.dev.PageSize())
}

// Open opens the file named by id, reconstructing its heads from the
// flash contents. At most one handle per file may be open at a time;
// a second Open fails with kind errors.Unavailable and no side
// effect.
func (fs *FS) Open(id FileID) (*File, error) {
	if id < 0 || int(id) >= fs.cfg.Files {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("fifo: no file %d in partition of %d", id, fs.cfg.Files))
	}
	if fs.open[id] {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("fifo: file %d is already open", id))
	}
	f := &File{
		fs:         fs,
		id:         id,
		base:       fs.cfg.Base + int64(id)*fs.FileSize(),
		size:       fs.FileSize(),
		ps:         int64(fs.dev.PageSize()),
		writeCount: 1,
	}
	if err := f.recover(); err != nil {
		return nil, err
	}
	fs.open[id] = true
	return f, nil
}

// Format erases every page of the partition described by cfg,
// leaving all files empty.
func Format(dev flash.Device, cfg Config) error {
	fs, err := New(dev, cfg)
	if err != nil {
		return err
	}
	ps := int64(dev.PageSize())
	end := cfg.Base + int64(cfg.Files)*fs.FileSize()
	for p := cfg.Base; p < end; p += ps {
		if err := dev.Erase(p); err != nil {
			return err
		}
	}
	return nil
}
