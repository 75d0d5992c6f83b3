// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/grailbio/flashfifo/flash"
	"github.com/grailbio/flashfifo/flash/flashtest"
)

func newFailingFile(t *testing.T) (*File, *flash.Mem, *flashtest.Device) {
	t.Helper()
	mem := flash.NewMem(testPageSize, testPages)
	dev := flashtest.New(mem)
	fs, err := New(dev, Config{Files: 1, Pages: testPages})
	must(t, err)
	f, err := fs.Open(0)
	must(t, err)
	return f, mem, dev
}

// reopen closes nothing: it builds a fresh FS over the device, the
// way a rebooted host would, and opens file 0.
func reopen(t *testing.T, dev flash.Device) *File {
	t.Helper()
	fs, err := New(dev, Config{Files: 1, Pages: testPages})
	must(t, err)
	f, err := fs.Open(0)
	must(t, err)
	return f
}

// headState is the in-RAM state recovery must reproduce.
type headState struct {
	Write      int64
	ReadStart  int64
	Dro        int64
	Free       int64
	WriteCount uint8
}

func state(f *File) headState {
	return headState{
		Write:      f.write,
		ReadStart:  f.readStart,
		Dro:        f.dro,
		Free:       f.free,
		WriteCount: f.writeCount,
	}
}

func TestReopenEquivalence(t *testing.T) {
	f, mem := newTestFile(t)
	for i := 0; i < 5; i++ {
		mustAppend(t, f, seq(10+i))
	}
	// Read and consume the two oldest records so that the raw head
	// and the destructive head coincide again.
	mustRead(t, f, 21)
	if n, err := f.Consume(21); n != 21 || err != nil {
		t.Fatalf("got (%v, %v), want (21, nil)", n, err)
	}
	want := state(f)
	must(t, f.Close())

	f = reopen(t, mem)
	if diff := deep.Equal(state(f), want); diff != nil {
		t.Errorf("recovered state differs: %v", diff)
	}
	// open; close; open is observationally equivalent to open.
	must(t, f.Close())
	f = reopen(t, mem)
	if diff := deep.Equal(state(f), want); diff != nil {
		t.Errorf("second reopen differs: %v", diff)
	}
	checkInvariants(t, f, mem)
}

func TestRecoverCommitCrash(t *testing.T) {
	f, mem, dev := newFailingFile(t)
	mustAppend(t, f, []byte{1, 2, 3, 4})

	// Power fails after size and payload but before the commit byte.
	dev.FailAfterWrites(5)
	if n, err := f.Append([]byte{5, 6, 7, 8}); n != 0 || err == nil {
		t.Fatalf("got (%v, %v), want interrupted append", n, err)
	}
	dev.PowerOn()
	must(t, f.Close())

	f = reopen(t, mem)
	if got, want := mustRead(t, f, 64), []byte{1, 2, 3, 4}; !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// The write head sits past the torn chunk, so new records append
	// rather than overwrite.
	if got, want := f.write, int64(13); got != want {
		t.Errorf("write head: got %v, want %v", got, want)
	}
	mustAppend(t, f, []byte{9, 10})
	if got, want := mem.Bytes()[13:17], []byte{0x02, 0xFE, 9, 10}; !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	checkInvariants(t, f, mem)
}

func TestRecoverCounterOrder(t *testing.T) {
	f, mem := newTestFile(t)
	for _, n := range []int{40, 40, 41, 10} {
		mustAppend(t, f, seq(n))
	}
	must(t, f.Close())

	f = reopen(t, mem)
	if got, want := mem.Bytes()[0], counterForRank(1); got != want {
		t.Errorf("first page counter: got %#02x, want %#02x", got, want)
	}
	if got, want := mem.Bytes()[testPageSize], counterForRank(2); got != want {
		t.Errorf("second page counter: got %#02x, want %#02x", got, want)
	}
	// The smaller counter marks the current page; the rank resumes
	// after it.
	if got, want := f.write, int64(testPageSize+1+12); got != want {
		t.Errorf("write head: got %v, want %v", got, want)
	}
	if got, want := f.writeCount, uint8(3); got != want {
		t.Errorf("write count: got %v, want %v", got, want)
	}
	checkInvariants(t, f, mem)
}

func TestRecoverTornErase(t *testing.T) {
	f, mem, dev := newFailingFile(t)
	for _, n := range []int{40, 40, 41, 10} {
		mustAppend(t, f, seq(n))
	}
	mustRead(t, f, 131)
	dev.FailAtErase(0)
	if _, err := f.Consume(121); err == nil {
		t.Fatal("expected a torn erase")
	}
	// The torn page's first byte is outside the counter sequence.
	if legalCounter(mem.Bytes()[0]) {
		t.Fatalf("tear left a legal counter %#02x", mem.Bytes()[0])
	}
	dev.PowerOn()
	must(t, f.Close())

	f = reopen(t, mem)
	if got, want := mem.Bytes()[0], byte(flash.Erased); got != want {
		t.Errorf("repaired page counter: got %#02x, want erased", got)
	}
	if got, want := mustRead(t, f, 64), seq(10); !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	checkInvariants(t, f, mem)
}

func TestRecoverFullRing(t *testing.T) {
	f, mem := newTestFile(t)
	for page := 0; page < 3; page++ {
		for _, n := range []int{40, 40, 41} {
			mustAppend(t, f, seq(n))
		}
	}
	want := state(f)
	must(t, f.Close())

	f = reopen(t, mem)
	if diff := deep.Equal(state(f), want); diff != nil {
		t.Errorf("recovered state differs: %v", diff)
	}
	// The write head is parked over the first page; the oldest
	// record is right under it.
	if got, want := f.write, int64(0); got != want {
		t.Errorf("write head: got %v, want %v", got, want)
	}
	if got, want := f.dro, int64(1); got != want {
		t.Errorf("destructive head: got %v, want %v", got, want)
	}
	if got, want := mustRead(t, f, 40), seq(40); !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	checkInvariants(t, f, mem)
}

// scriptResult records what a scripted workload managed to do before
// the power failed.
type scriptResult struct {
	committed [][]byte
	consumed  int
	err       error
}

// runScript drives a deterministic append/read/consume workload and
// reports every record whose append returned nonzero and every byte
// whose consume returned, stopping at the first interruption.
func runScript(f *File) scriptResult {
	var res scriptResult
	discard := make([]byte, testFileSize)
	queue := 0 // oldest unconsumed record
	for i := 0; i < 40; i++ {
		p := record(i)
		n, err := f.Append(p)
		if n > 0 {
			res.committed = append(res.committed, p)
		}
		if err != nil {
			res.err = err
			return res
		}
		if _, err := f.Read(discard); err != nil {
			res.err = err
			return res
		}
		if i%2 == 1 && queue < len(res.committed) {
			n, err := f.Consume(len(res.committed[queue]))
			res.consumed += n
			if err != nil {
				res.err = err
				return res
			}
			if n > 0 {
				queue++
			}
		}
	}
	return res
}

func record(i int) []byte {
	p := make([]byte, 1+(i*7)%29)
	for j := range p {
		p[j] = byte(1 + i%250)
	}
	return p
}

// crashAndVerify replays the script against a device armed to fail,
// then reboots and checks that exactly the committed, unconsumed
// bytes survive and that the recovered image is sound.
func crashAndVerify(t *testing.T, arm func(*flashtest.Device)) {
	t.Helper()
	mem := flash.NewMem(testPageSize, testPages)
	dev := flashtest.New(mem)
	arm(dev)
	fs, err := New(dev, Config{Files: 1, Pages: testPages})
	must(t, err)
	var res scriptResult
	if f, err := fs.Open(0); err != nil {
		res.err = err
	} else {
		res = runScript(f)
	}

	f := reopen(t, mem)
	want := bytes.Join(res.committed, nil)[res.consumed:]
	got := make([]byte, 2*testFileSize)
	n, err := f.Read(got)
	must(t, err)
	if !bytes.Equal(got[:n], want) {
		t.Fatalf("after crash: got %d bytes %v, want %d bytes %v", n, got[:n], len(want), want)
	}
	checkInvariants(t, f, mem)
}

func TestCrashSweepWrites(t *testing.T) {
	// Count the byte writes of a clean run, then crash the workload
	// at every single one.
	mem := flash.NewMem(testPageSize, testPages)
	dev := flashtest.New(mem)
	fs, err := New(dev, Config{Files: 1, Pages: testPages})
	must(t, err)
	f, err := fs.Open(0)
	must(t, err)
	if res := runScript(f); res.err != nil {
		t.Fatal(res.err)
	}
	total := dev.Writes()

	for k := 0; k < total; k++ {
		crashAndVerify(t, func(d *flashtest.Device) { d.FailAfterWrites(k) })
	}
}

func TestCrashSweepErases(t *testing.T) {
	mem := flash.NewMem(testPageSize, testPages)
	dev := flashtest.New(mem)
	fs, err := New(dev, Config{Files: 1, Pages: testPages})
	must(t, err)
	f, err := fs.Open(0)
	must(t, err)
	if res := runScript(f); res.err != nil {
		t.Fatal(res.err)
	}
	total := dev.Erases()
	if total == 0 {
		t.Fatal("script erased no pages")
	}

	for k := 0; k < total; k++ {
		crashAndVerify(t, func(d *flashtest.Device) { d.FailAtErase(k) })
	}
}
