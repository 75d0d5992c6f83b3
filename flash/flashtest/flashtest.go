// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flashtest provides a flash.Device wrapper that injects
// power failures at byte granularity. A failure applies the partial
// effect a real power cut would leave behind (a prefix of the bytes
// written, or a half-erased page) and then fails every subsequent
// operation until PowerOn is called, the way a real part stays dark
// until the next boot.
package flashtest

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/flashfifo/flash"
)

// ErrPowerFail is returned by every operation on a device that has
// lost power.
var ErrPowerFail = errors.New("flashtest: power failure")

// tornMask is ORed into the byte in progress when a write is cut
// mid-byte: the device ends up clearing only a subset of the bits the
// write intended to clear, which is the legal intermediate state for
// NOR flash.
const tornMask = 0x0F

// Device wraps a flash.Device and fails operations on command.
type Device struct {
	dev flash.Device

	writes int // total bytes written, across the device's lifetime
	erases int // total pages erased

	armed       bool
	budget      int // byte writes remaining before the power fails
	failed      bool
	eraseArmed  bool
	eraseBudget int // erases remaining before one tears
}

// New returns a powered-on device wrapping dev.
func New(dev flash.Device) *Device {
	return &Device{dev: dev}
}

// FailAfterWrites arms a power failure: the next n byte writes
// succeed, and the write after that is cut (its prefix of n remaining
// budget bytes is applied, the byte in progress is torn).
func (d *Device) FailAfterWrites(n int) {
	d.armed = true
	d.budget = n
}

// FailAtErase arms a torn erase: the next n erases succeed, and the
// one after that leaves its page with arbitrary contents and cuts
// the power.
func (d *Device) FailAtErase(n int) {
	d.eraseArmed = true
	d.eraseBudget = n
}

// PowerOn restores the device to service and disarms any pending
// failure.
func (d *Device) PowerOn() {
	d.armed = false
	d.failed = false
	d.eraseArmed = false
}

// Failed reports whether the device has lost power.
func (d *Device) Failed() bool { return d.failed }

// Writes returns the total number of bytes written so far, counting
// only bytes that reached the device. Tests use it to enumerate every
// crash point of a workload.
func (d *Device) Writes() int { return d.writes }

// Erases returns the number of completed page erases.
func (d *Device) Erases() int { return d.erases }

// ReadAt implements flash.Device.
func (d *Device) ReadAt(p []byte, off int64) error {
	if d.failed {
		return ErrPowerFail
	}
	return d.dev.ReadAt(p, off)
}

// WriteAt implements flash.Device.
func (d *Device) WriteAt(p []byte, off int64) error {
	if d.failed {
		return ErrPowerFail
	}
	if !d.armed || len(p) <= d.budget {
		if d.armed {
			d.budget -= len(p)
		}
		d.writes += len(p)
		return d.dev.WriteAt(p, off)
	}
	// The cut: a prefix lands whole, and the byte in progress clears
	// only some of its bits. Single-byte writes with no budget left
	// are atomic, so the torn byte appears only within multi-byte
	// writes.
	n := d.budget
	if err := d.dev.WriteAt(p[:n], off); err != nil {
		return err
	}
	d.writes += n
	if n < len(p) && len(p) > 1 {
		torn := []byte{p[n] | tornMask}
		if err := d.dev.WriteAt(torn, off+int64(n)); err != nil {
			return err
		}
	}
	d.failed = true
	return ErrPowerFail
}

// Erase implements flash.Device.
func (d *Device) Erase(off int64) error {
	if d.failed {
		return ErrPowerFail
	}
	if !d.eraseArmed || d.eraseBudget > 0 {
		if d.eraseArmed {
			d.eraseBudget--
		}
		d.erases++
		return d.dev.Erase(off)
	}
	// A torn erase restores some cells and not others; in particular
	// the first byte of the page is left outside the legal
	// page-counter set.
	if err := d.dev.Erase(off); err != nil {
		return err
	}
	ps := d.dev.PageSize()
	start := off - off%int64(ps)
	scribble := make([]byte, ps)
	for i := range scribble {
		if i%2 == 0 {
			scribble[i] = 0xA5
		} else {
			scribble[i] = flash.Erased
		}
	}
	if err := d.dev.WriteAt(scribble, start); err != nil {
		return err
	}
	d.failed = true
	return ErrPowerFail
}

// PageSize implements flash.Device.
func (d *Device) PageSize() int { return d.dev.PageSize() }

// Size implements flash.Device.
func (d *Device) Size() int64 { return d.dev.Size() }
