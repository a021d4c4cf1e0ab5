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

// Package archive enumerates the image entries of a collection
// source: a plain folder tree or one of the supported archive
// containers (zip, 7z, rar, tar and compressed tar).
//
// Enumeration is lazy and restartable: every Entries call re-opens
// the source, so a caller may count entries in one pass and read
// them in another.
package archive // import "picshelf.org/pkg/archive"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"picshelf.org/pkg/longpath"
	"picshelf.org/pkg/magic"
	"picshelf.org/pkg/types"
)

var (
	// ErrCorrupt wraps structural failures inside a container:
	// truncated archives, bad central directories, CRC damage.
	ErrCorrupt = errors.New("archive: corrupt container")

	// ErrUnsupportedFormat is returned by Open for collection types
	// with no container implementation.
	ErrUnsupportedFormat = errors.New("archive: unsupported container format")
)

func corrupt(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}

// An Entry is one image file inside a Container.
type Entry struct {
	// RelPath is the entry's path relative to the container root,
	// forward-slash separated.
	RelPath string

	// Size is the uncompressed size in bytes.
	Size int64

	// Open returns the entry's contents. It must be called, and the
	// returned reader fully consumed and closed, before the Entries
	// callback returns: stream containers (tar, rar) position their
	// underlying reader at the current entry only.
	Open func() (io.ReadCloser, error)
}

// A Container enumerates the image entries of one collection source.
type Container interface {
	// Entries calls fn for every image entry, in container order.
	// Non-image names are skipped silently. Each call re-opens the
	// source from the start. Enumeration stops at the first error
	// from fn, which is returned unwrapped.
	Entries(ctx context.Context, fn func(Entry) error) error

	// Type reports the collection type this container reads.
	Type() types.CollectionType
}

// Open returns a Container for the collection source at p. The
// fsys adapter handles paths beyond the filesystem's comfortable
// length; nil means the default limit.
func Open(typ types.CollectionType, p string, fsys *longpath.FS) (Container, error) {
	if fsys == nil {
		fsys = longpath.New(0)
	}
	switch typ {
	case types.CollectionFolder:
		fi, err := fsys.Stat(p)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("archive: folder collection path %q is not a directory", p)
		}
		return &folderContainer{root: p, fs: fsys}, nil
	case types.CollectionZip, types.CollectionSevenZip, types.CollectionRar,
		types.CollectionTar, types.CollectionTarGz, types.CollectionTarBz2:
		fi, err := fsys.Stat(p)
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("archive: %s collection path %q is a directory", typ, p)
		}
	}
	switch typ {
	case types.CollectionZip:
		return &zipContainer{path: p, fs: fsys}, nil
	case types.CollectionSevenZip:
		return &sevenZipContainer{path: p, fs: fsys}, nil
	case types.CollectionRar:
		return &rarContainer{path: p, fs: fsys}, nil
	case types.CollectionTar, types.CollectionTarGz, types.CollectionTarBz2:
		return &tarContainer{path: p, fs: fsys, typ: typ}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, typ)
}

// imageExt is the set of file extensions enumerated as images.
// Everything else in a container is skipped without comment.
var imageExt = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"webp": true,
	"tiff": true,
	"svg":  true,
}

// IsImageName reports whether name's extension marks it as an image
// worth indexing.
func IsImageName(name string) bool {
	return magic.HasExtension(name, imageExt)
}

// slashed normalizes an in-archive name to forward slashes without a
// leading "./".
func slashed(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimPrefix(name, "./")
	return path.Clean(name)
}
