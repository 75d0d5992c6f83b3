// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flashtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/flashfifo/flash"
)

func TestFailAfterWrites(t *testing.T) {
	mem := flash.NewMem(16, 2)
	dev := New(mem)
	dev.FailAfterWrites(2)

	err := dev.WriteAt([]byte{0x11, 0x22, 0x33, 0x44}, 0)
	require.Equal(t, ErrPowerFail, err)
	p := make([]byte, 4)
	require.NoError(t, mem.ReadAt(p, 0))
	// The first two bytes landed whole; the third was torn (some of
	// its intended bits stayed set); the fourth was never written.
	assert.Equal(t, byte(0x11), p[0])
	assert.Equal(t, byte(0x22), p[1])
	assert.Equal(t, byte(0x33|tornMask), p[2])
	assert.Equal(t, byte(flash.Erased), p[3])

	// Until power returns, everything fails.
	assert.Equal(t, ErrPowerFail, dev.ReadAt(p, 0))
	assert.Equal(t, ErrPowerFail, dev.WriteAt([]byte{0}, 0))
	assert.Equal(t, ErrPowerFail, dev.Erase(0))
	assert.True(t, dev.Failed())

	dev.PowerOn()
	require.NoError(t, dev.WriteAt([]byte{0x55}, 8))
	assert.Equal(t, 3, dev.Writes())
}

func TestSingleByteWritesAtomic(t *testing.T) {
	mem := flash.NewMem(16, 2)
	dev := New(mem)
	dev.FailAfterWrites(0)
	require.Equal(t, ErrPowerFail, dev.WriteAt([]byte{0x00}, 5))
	var b [1]byte
	require.NoError(t, mem.ReadAt(b[:], 5))
	assert.Equal(t, byte(flash.Erased), b[0])
}

func TestFailAtErase(t *testing.T) {
	mem := flash.NewMem(16, 2)
	dev := New(mem)
	require.NoError(t, dev.WriteAt([]byte{1, 2, 3}, 0))
	dev.FailAtErase(1)
	require.NoError(t, dev.Erase(16))
	require.Equal(t, ErrPowerFail, dev.Erase(0))
	var b [1]byte
	require.NoError(t, mem.ReadAt(b[:], 0))
	// The torn page's first byte is garbage, not erased.
	assert.NotEqual(t, byte(flash.Erased), b[0])
	assert.Equal(t, 1, dev.Erases())
	dev.PowerOn()
	require.NoError(t, dev.Erase(0))
	require.NoError(t, mem.ReadAt(b[:], 0))
	assert.Equal(t, byte(flash.Erased), b[0])
}
