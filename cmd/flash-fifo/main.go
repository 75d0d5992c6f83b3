// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// flash-fifo inspects and prepares NOR flash FIFO images on the
// host.
//
//	flash-fifo format IMAGE   create an erased image
//	flash-fifo dump IMAGE     walk pages and chunks
//	flash-fifo stats IMAGE    report per-file usage
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/flashfifo/fifo"
	"github.com/grailbio/flashfifo/flash"
	"github.com/klauspost/compress/flate"
)

var (
	pageSize = flag.Int("page-size", 128, "flash page size in bytes")
	files    = flag.Int("files", 1, "number of files in the partition")
	pages    = flag.Int("pages", 3, "pages per file")
	base     = flag.Int64("base", 0, "device address of the partition")
	deflate  = flag.Bool("deflate", false, "with dump: also write a flate-compressed copy of the image")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage:
%s [flags...] format|dump|stats IMAGE
`, os.Args[0])
		flag.PrintDefaults()
	}
	log.AddFlags()
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	verb, path := flag.Arg(0), flag.Arg(1)
	cfg := fifo.Config{Base: *base, Files: *files, Pages: *pages}

	switch verb {
	case "format":
		dev := flash.NewMem(*pageSize, devicePages(cfg))
		must.Nil(fifo.Format(dev, cfg), "format")
		must.Nil(os.WriteFile(path, dev.Bytes(), 0666), path)
	case "dump":
		dev := load(path, cfg)
		must.Nil(fifo.Dump(os.Stdout, dev, cfg), path)
		if *deflate {
			writeDeflate(path+".flate", dev.Bytes())
		}
	case "stats":
		dev := load(path, cfg)
		fs, err := fifo.New(dev, cfg)
		must.Nil(err, path)
		for id := 0; id < *files; id++ {
			f, err := fs.Open(fifo.FileID(id))
			must.Nilf(err, "open file %d", id)
			fmt.Printf("file %d: %d bytes used of %d\n", id, f.Size(), fs.FileSize())
			must.Nil(f.Close())
		}
		fmt.Printf("programmed: %d of %d device bytes\n", dev.ProgrammedBytes(), dev.Size())
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func devicePages(cfg fifo.Config) int {
	return int(cfg.Base)/(*pageSize) + cfg.Files*cfg.Pages
}

func load(path string, cfg fifo.Config) *flash.Mem {
	image, err := os.ReadFile(path)
	must.Nil(err, path)
	dev, err := flash.NewMemBytes(*pageSize, image)
	must.Nil(err, path)
	return dev
}

func writeDeflate(path string, image []byte) {
	out, err := os.Create(path)
	must.Nil(err, path)
	w, err := flate.NewWriter(out, flate.DefaultCompression)
	must.Nil(err)
	_, err = w.Write(image)
	must.Nil(err)
	must.Nil(w.Close())
	must.Nil(out.Close())
	log.Printf("wrote %s", path)
}
