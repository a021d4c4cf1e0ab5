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

// Package types defines the small value types shared by the picshelf
// packages: entity identifiers and the enumerated kinds used across
// the metadata store, the job system and the HTTP surface.
package types // import "picshelf.org/pkg/types"

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ID is a 16 byte entity identifier. Its text form is 32 lowercase
// hex characters, which keeps metadata keys fixed-width and makes
// lexical key ranges line up with ID ranges.
type ID [16]byte

// ZeroID is the all-zero ID, used as the "unset" sentinel.
var ZeroID ID

// NewID returns a new random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the 32 character hex form produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != 32 {
		return id, fmt.Errorf("types: invalid ID %q: want 32 hex chars, got %d", s, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("types: invalid ID %q: %v", s, err)
	}
	return id, nil
}

// MustParseID is like ParseID but panics on invalid input.
// It is meant for tests and compile-time-constant-like IDs.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero (unset) ID.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Less reports whether id sorts before other in the byte order used
// by metadata keys.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	dst := make([]byte, 32)
	hex.Encode(dst, id[:])
	return dst, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ZeroID
		return nil
	}
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ErrNotFound is returned by lookups across picshelf stores when the
// named entity does not exist (or is soft-deleted, for lookups that
// only see live entities).
var ErrNotFound = errors.New("entity not found")

// ErrConflict is returned when an insert or update would violate a
// uniqueness constraint, such as two collections sharing a path.
var ErrConflict = errors.New("entity conflict")
