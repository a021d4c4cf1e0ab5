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
	"io/fs"
	"path/filepath"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/types"
)

// folderContainer walks a directory tree recursively. Unlike the
// archive containers it has no central directory, so entry order is
// the lexical walk order.
type folderContainer struct {
	root string
	fs   *longpath.FS
}

func (c *folderContainer) Type() types.CollectionType { return types.CollectionFolder }

func (c *folderContainer) Entries(ctx context.Context, fn func(Entry) error) error {
	// The walk reports on-disk paths, so entries are made relative
	// to the rewritten root, not the configured one.
	root, err := c.fs.SafePath(c.root)
	if err != nil {
		return err
	}
	return c.fs.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !IsImageName(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		full := p
		return fn(Entry{
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			Open: func() (io.ReadCloser, error) {
				return c.fs.Open(full)
			},
		})
	})
}
