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

package types

import "fmt"

// CollectionType says how a collection's path is read: as a directory
// tree or as one of the supported archive containers. The type is
// fixed at creation; changing it requires delete and re-add.
type CollectionType string

const (
	CollectionFolder   CollectionType = "folder"
	CollectionZip      CollectionType = "zip"
	CollectionSevenZip CollectionType = "7z"
	CollectionRar      CollectionType = "rar"
	CollectionTar      CollectionType = "tar"
	CollectionTarGz    CollectionType = "targz"
	CollectionTarBz2   CollectionType = "tarbz2"
)

// ValidCollectionType reports whether t is one of the supported
// collection types.
func ValidCollectionType(t CollectionType) bool {
	switch t {
	case CollectionFolder, CollectionZip, CollectionSevenZip,
		CollectionRar, CollectionTar, CollectionTarGz, CollectionTarBz2:
		return true
	}
	return false
}

// CollectionTypeForExt guesses the collection type from a file
// extension (lowercase, without dot). It returns CollectionFolder,
// false for extensions that are not a known archive container.
func CollectionTypeForExt(ext string) (CollectionType, bool) {
	switch ext {
	case "zip", "cbz":
		return CollectionZip, true
	case "7z", "cb7":
		return CollectionSevenZip, true
	case "rar", "cbr":
		return CollectionRar, true
	case "tar":
		return CollectionTar, true
	case "tgz", "gz":
		return CollectionTarGz, true
	case "tbz2", "bz2":
		return CollectionTarBz2, true
	}
	return CollectionFolder, false
}

// VariantKind distinguishes the two derived artifact families kept
// for every image.
type VariantKind string

const (
	// VariantThumbnail is the small grid/preview rendition.
	VariantThumbnail VariantKind = "thumbnail"
	// VariantCache is the large screen-size rendition served to
	// viewers by default.
	VariantCache VariantKind = "cache"
)

// ValidVariantKind reports whether k names a known variant family.
func ValidVariantKind(k VariantKind) bool {
	return k == VariantThumbnail || k == VariantCache
}

// Format is an output image encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWEBP Format = "webp"
)

// ParseFormat normalizes a user-supplied format string ("jpg", "JPEG",
// ...) to a Format, or returns an error for unknown encodings.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "jpeg", "jpg", "JPEG", "JPG":
		return FormatJPEG, nil
	case "png", "PNG":
		return FormatPNG, nil
	case "gif", "GIF":
		return FormatGIF, nil
	case "bmp", "BMP":
		return FormatBMP, nil
	case "tiff", "tif", "TIFF", "TIF":
		return FormatTIFF, nil
	case "webp", "WEBP":
		return FormatWEBP, nil
	}
	return "", fmt.Errorf("types: unknown image format %q", s)
}

// Ext returns the file extension (without dot) used for artifacts in
// this format.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// ContentType returns the MIME type served for this format.
func (f Format) ContentType() string {
	return "image/" + string(f)
}

// Box is a bounding box for fit-inside resizing. A zero dimension
// means "unconstrained" on that axis.
type Box struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether both dimensions are unset.
func (b Box) IsZero() bool { return b.Width == 0 && b.Height == 0 }

func (b Box) String() string { return fmt.Sprintf("%dx%d", b.Width, b.Height) }

// JobState is a state in the job lifecycle. Transitions are
// monotonic (no state repeats in a job's history) except for the
// Running and Paused pair, which may alternate.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether s is a state no job ever leaves.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ValidJobTransition reports whether a job may move from to next.
func ValidJobTransition(from, next JobState) bool {
	switch from {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobPaused || next == JobCompleted ||
			next == JobFailed || next == JobCancelled
	case JobPaused:
		return next == JobRunning || next == JobCancelled
	}
	return false
}

// JobType names a kind of background work the scheduler knows how to
// run. The set is closed; parameters for each type live in pkg/jobs.
type JobType string

const (
	JobScanCollection       JobType = "ScanCollection"
	JobGenerateThumbnails   JobType = "GenerateThumbnails"
	JobGenerateCache        JobType = "GenerateCache"
	JobRegenerateThumbnails JobType = "RegenerateThumbnails"
	JobBulkAdd              JobType = "BulkAdd"
	JobRedistribute         JobType = "Redistribute"
	JobPurgeCollection      JobType = "PurgeCollection"
)

// ValidJobType reports whether t names a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobScanCollection, JobGenerateThumbnails, JobGenerateCache,
		JobRegenerateThumbnails, JobBulkAdd, JobRedistribute,
		JobPurgeCollection:
		return true
	}
	return false
}
