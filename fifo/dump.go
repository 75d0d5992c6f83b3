// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fifo

import (
	"fmt"
	"io"

	"github.com/grailbio/flashfifo/flash"
)

// Dump writes a human-readable walk of the partition to w: one line
// per page with its counter and rank, and one line per chunk with
// its classification and size. It reads the device directly and does
// not require (or disturb) open handles.
func Dump(w io.Writer, dev flash.Device, cfg Config) error {
	fs, err := New(dev, cfg)
	if err != nil {
		return err
	}
	ps := int64(dev.PageSize())
	buf := make([]byte, ps)
	for id := 0; id < cfg.Files; id++ {
		base := cfg.Base + int64(id)*fs.FileSize()
		fmt.Fprintf(w, "file %d @ %d:\n", id, base)
		for p := int64(0); p < fs.FileSize(); p += ps {
			if err := dev.ReadAt(buf, base+p); err != nil {
				return err
			}
			c := buf[0]
			switch {
			case c == flash.Erased:
				fmt.Fprintf(w, "  page %d: erased\n", p/ps)
				continue
			case !legalCounter(c):
				fmt.Fprintf(w, "  page %d: counter %#02x CORRUPT\n", p/ps, c)
				continue
			default:
				fmt.Fprintf(w, "  page %d: counter %#02x rank %d\n", p/ps, c, rankOf(c))
			}
			for off := int64(counterSize); off < ps-1; {
				szb, st := buf[off], buf[off+1]
				cls := classify(szb, st)
				if cls == classErased {
					break
				}
				if cls == classCorrupt || off+int64(szb)+headerSize > ps {
					fmt.Fprintf(w, "    +%3d: header (%#02x,%#02x) CORRUPT\n", off, szb, st)
					break
				}
				fmt.Fprintf(w, "    +%3d: %s, %d bytes\n", off, cls, szb)
				off += int64(szb) + headerSize
			}
		}
	}
	return nil
}
