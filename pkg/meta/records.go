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

package meta

import (
	"time"

	"picshelf.org/pkg/types"
)

// A Collection is a named source of images: a folder tree or an
// archive file. Its path is unique among non-deleted collections and
// its type is fixed at creation.
type Collection struct {
	ID         types.ID             `json:"id"`
	Name       string               `json:"name"`
	Path       string               `json:"path"`
	Type       types.CollectionType `json:"type"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Settings   CollectionSettings   `json:"settings"`
	Statistics CollectionStats      `json:"statistics"`

	// Deleted marks a soft delete: the record stays (images and
	// artifacts linger until a purge job runs) but the path becomes
	// reusable and reads skip it.
	Deleted bool `json:"deleted,omitempty"`
}

// CollectionSettings are the per-collection behavior knobs.
type CollectionSettings struct {
	// AutoScan enqueues a scan job right after the collection is
	// created.
	AutoScan bool `json:"autoScan"`

	// GenerateThumbnails produces thumbnail artifacts during scans.
	GenerateThumbnails bool `json:"generateThumbnails"`

	// GenerateCache produces screen-size cache artifacts during scans.
	GenerateCache bool `json:"generateCache"`

	// ThumbnailBox and CacheBox are the fit-inside target boxes for
	// the two artifact kinds.
	ThumbnailBox types.Box `json:"thumbnailBox"`
	CacheBox     types.Box `json:"cacheBox"`

	// Quality is the encoder quality, 1–100.
	Quality int `json:"quality"`

	// CacheFormat is the output codec for cache artifacts.
	CacheFormat types.Format `json:"cacheFormat"`

	// CacheExpiration is the TTL applied to derived artifacts.
	// Zero means artifacts never expire.
	CacheExpiration time.Duration `json:"cacheExpiration,omitempty"`
}

// DefaultSettings returns the settings a new collection gets when the
// caller leaves them empty: thumbnails on at 300×300, cache variants
// off, quality 85, jpeg output.
func DefaultSettings() CollectionSettings {
	return CollectionSettings{
		GenerateThumbnails: true,
		ThumbnailBox:       types.Box{Width: 300, Height: 300},
		CacheBox:           types.Box{Width: 1920, Height: 1080},
		Quality:            85,
		CacheFormat:        types.FormatJPEG,
	}
}

// withDefaults fills the zero values of s from DefaultSettings,
// leaving explicit choices alone.
func (s CollectionSettings) withDefaults() CollectionSettings {
	def := DefaultSettings()
	if s.ThumbnailBox.IsZero() {
		s.ThumbnailBox = def.ThumbnailBox
	}
	if s.CacheBox.IsZero() {
		s.CacheBox = def.CacheBox
	}
	if s.Quality < 1 || s.Quality > 100 {
		s.Quality = def.Quality
	}
	if s.CacheFormat == "" {
		s.CacheFormat = def.CacheFormat
	}
	return s
}

// CollectionStats is the scan-maintained summary on a collection.
type CollectionStats struct {
	ImageCount     int64     `json:"imageCount"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
	LastScanAt     time.Time `json:"lastScanAt"`
}

// An Image is one logical entry inside a collection. The pair
// (CollectionID, RelativePath) is unique and stable across rescans;
// the ID is minted on first sight and kept thereafter.
type Image struct {
	ID            types.ID  `json:"id"`
	CollectionID  types.ID  `json:"collectionId"`
	Filename      string    `json:"filename"`
	RelativePath  string    `json:"relativePath"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Format        string    `json:"format"` // lowercased
	CreatedAt     time.Time `json:"createdAt"`
}

// A CacheRoot is a directory that stores artifacts. Counters are
// authoritative only through the placement engine's
// reserve/commit/abort protocol; direct readers may observe them
// eventually consistent.
type CacheRoot struct {
	ID               types.ID `json:"id"`
	Name             string   `json:"name"`
	Path             string   `json:"path"`
	MaxSizeBytes     int64    `json:"maxSizeBytes"` // 0 = unenforced
	CurrentSizeBytes int64    `json:"currentSizeBytes"`
	FileCount        int64    `json:"fileCount"`
	Priority         int      `json:"priority"`

	// IsActive gates new placements only; an inactive root keeps
	// serving reads for artifacts it already holds.
	IsActive bool `json:"isActive"`
}

// A Binding pins a collection's artifacts to one cache root. Exactly
// one binding exists per non-deleted collection; rebinding requires a
// redistribute or purge.
type Binding struct {
	CollectionID types.ID  `json:"collectionId"`
	RootID       types.ID  `json:"rootId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// A JobRecord is the durable state of one long-running operation.
// The per-item resumption filter (which items were processed or
// failed) is not embedded here: it lives in its own key range so a
// hundred-thousand-item scan doesn't balloon a single row past the
// store's value limit. See Store.MarkJobItem.
type JobRecord struct {
	ID         types.ID       `json:"id"`
	Type       types.JobType  `json:"type"`
	State      types.JobState `json:"state"`
	Priority   int            `json:"priority"`
	Parameters Parameters     `json:"parameters"`

	TotalItems     int `json:"totalItems"`
	CompletedItems int `json:"completedItems"`
	FailedItems    int `json:"failedItems"`
	SkippedItems   int `json:"skippedItems"`

	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt"`
	LastProgressAt time.Time `json:"lastProgressAt"`
	CompletedAt    time.Time `json:"completedAt"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	CanResume    bool   `json:"canResume"`
}

// Progress returns the job's completion percentage.
func (j *JobRecord) Progress() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	return float64(j.CompletedItems+j.SkippedItems+j.FailedItems) / float64(j.TotalItems) * 100
}

// Parameters is the tagged variant carrying a job's inputs. At most
// one field is set, matching the job's Type. The tag travels with the
// encoded shape so jobs persisted by an old deployment still resume
// under a new one.
type Parameters struct {
	Scan         *ScanParams         `json:"scan,omitempty"`
	Generate     *GenerateParams     `json:"generate,omitempty"`
	BulkAdd      *BulkAddParams      `json:"bulkAdd,omitempty"`
	Redistribute *RedistributeParams `json:"redistribute,omitempty"`
	Purge        *PurgeParams        `json:"purge,omitempty"`
}

// ScanParams drive a ScanCollection job.
type ScanParams struct {
	CollectionID types.ID `json:"collectionId"`
}

// GenerateParams drive GenerateThumbnails, GenerateCache and
// RegenerateThumbnails jobs.
type GenerateParams struct {
	CollectionID types.ID          `json:"collectionId"`
	Kind         types.VariantKind `json:"kind"`

	// Invalidate first deletes any existing artifact of the kind, so
	// regeneration recomputes instead of skipping.
	Invalidate bool `json:"invalidate,omitempty"`
}

// BulkAddParams drive a BulkAdd job, which fans out one scan job per
// discovered child collection.
type BulkAddParams struct {
	ParentPath        string `json:"parentPath"`
	Prefix            string `json:"prefix,omitempty"`
	IncludeSubfolders bool   `json:"includeSubfolders"`
	AutoAdd           bool   `json:"autoAdd"`

	// ChildJobIDs is filled as child scans are enqueued, so a resumed
	// bulk add can keep aggregating the same children.
	ChildJobIDs []types.ID `json:"childJobIds,omitempty"`
}

// RedistributeParams drive a Redistribute job. The assignment is a
// pure function of store state, so no inputs are needed.
type RedistributeParams struct{}

// PurgeParams drive a PurgeCollection job.
type PurgeParams struct {
	CollectionID types.ID `json:"collectionId"`
}

// A JobRun records one execution attempt of a job: the original run
// and every resume each get a row. Its correlation id is the one 5xx
// responses and error logs carry.
type JobRun struct {
	ID            types.ID  `json:"id"`
	JobID         types.ID  `json:"jobId"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlationId"`
}

// A Tag is a store-level label. Tags bind to collections through
// TagCollection; nothing in the HTTP surface exposes them yet.
type Tag struct {
	ID        types.ID  `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
