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

	"github.com/nwaples/rardecode/v2"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/types"
)

// rarContainer streams a rar archive (v4 and v5). Rar has no random
// access here: Entry.Open hands out the decoder positioned at the
// current file, valid only until the callback returns.
type rarContainer struct {
	path string
	fs   *longpath.FS
}

func (c *rarContainer) Type() types.CollectionType { return types.CollectionRar }

func (c *rarContainer) Entries(ctx context.Context, fn func(Entry) error) error {
	sp, err := c.fs.SafePath(c.path)
	if err != nil {
		return err
	}
	rr, err := rardecode.OpenReader(sp)
	if err != nil {
		return corrupt(err)
	}
	defer rr.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hdr, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return corrupt(err)
		}
		if hdr.IsDir || !IsImageName(hdr.Name) {
			continue
		}
		err = fn(Entry{
			RelPath: slashed(hdr.Name),
			Size:    hdr.UnPackedSize,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(rr), nil
			},
		})
		if err != nil {
			return err
		}
	}
}
