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
	"context"
	"io"

	"github.com/bodgit/sevenzip"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/types"
)

type sevenZipContainer struct {
	path string
	fs   *longpath.FS
}

func (c *sevenZipContainer) Type() types.CollectionType { return types.CollectionSevenZip }

func (c *sevenZipContainer) Entries(ctx context.Context, fn func(Entry) error) error {
	sp, err := c.fs.SafePath(c.path)
	if err != nil {
		return err
	}
	zr, err := sevenzip.OpenReader(sp)
	if err != nil {
		return corrupt(err)
	}
	defer zr.Close()
	// Solid 7z archives decode each block sequentially; visiting
	// files in header order keeps that from going quadratic.
	for _, f := range zr.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.FileInfo().IsDir() || !IsImageName(f.Name) {
			continue
		}
		err := fn(Entry{
			RelPath: slashed(f.Name),
			Size:    f.FileInfo().Size(),
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
