/*
Copyright 2024 The Picshelf Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archive

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/magic"
	"picshelf.org/pkg/types"
)

// tarContainer reads tar, tar.gz and tar.bz2 collections. The
// compression actually applied is sniffed from the stream's magic
// prefix rather than trusted from the collection type, so a renamed
// .tar.gz that is really zstd (or not compressed at all) still reads.
type tarContainer struct {
	path string
	fs   *longpath.FS
	typ  types.CollectionType
}

func (c *tarContainer) Type() types.CollectionType { return c.typ }

func (c *tarContainer) Entries(ctx context.Context, fn func(Entry) error) error {
	f, err := c.fs.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := br.Peek(10)
	if err != nil && err != io.EOF {
		return corrupt(err)
	}

	var r io.Reader = br
	switch magic.DetectCompression(hdr) {
	case magic.CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return corrupt(err)
		}
		defer gz.Close()
		r = gz
	case magic.CompressionBzip2:
		r = bzip2.NewReader(br)
	case magic.CompressionXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return corrupt(err)
		}
		r = xr
	case magic.CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return corrupt(err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		th, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt(err)
		}
		if th.Typeflag != tar.TypeReg || !IsImageName(th.Name) {
			continue
		}
		err = fn(Entry{
			RelPath: slashed(th.Name),
			Size:    th.Size,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			},
		})
		if err != nil {
			return err
		}
	}
}
