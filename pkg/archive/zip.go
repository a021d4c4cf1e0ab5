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
	"archive/zip"
	"context"
	"io"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/types"
)

type zipContainer struct {
	path string
	fs   *longpath.FS
}

func (c *zipContainer) Type() types.CollectionType { return types.CollectionZip }

func (c *zipContainer) Entries(ctx context.Context, fn func(Entry) error) error {
	sp, err := c.fs.SafePath(c.path)
	if err != nil {
		return err
	}
	zr, err := zip.OpenReader(sp)
	if err != nil {
		return corrupt(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.FileInfo().IsDir() || !IsImageName(f.Name) {
			continue
		}
		err := fn(Entry{
			RelPath: slashed(f.Name),
			Size:    int64(f.UncompressedSize64),
			Open: func() (io.ReadCloser, error) {
				return f.Open()
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
