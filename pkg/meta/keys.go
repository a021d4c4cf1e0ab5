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
	"net/url"

	"picshelf.org/pkg/types"
)

// requiredSchemaVersion is incremented every time a key type is
// added, changed, or removed.
const requiredSchemaVersion = 1

// keySchemaVersion holds the schema version the rows were written
// under. A mismatch at open time is fatal: there is no migrator.
const keySchemaVersion = "meta:version"

// Key layout. Primary rows hold the record JSON; index rows hold the
// primary key (or "1" for pure existence marks). Path components are
// query-escaped so the ":" separator stays unambiguous.
//
//	coll:<id>                       Collection JSON
//	collpath:<urle(path)>           -> collection id (non-deleted only)
//	img:<collID>:<urle(relPath)>    Image JSON (the unique pair is the key)
//	imgid:<id>                      -> primary img key
//	root:<id>                       CacheRoot JSON
//	rootpath:<urle(path)>           -> root id
//	bind:<collID>                   Binding JSON
//	job:<id>                        JobRecord JSON
//	jobstate:<state>:<type>:<id>    "1" (dequeue scans by state)
//	jobitem:<jobID>:<itemID>        "p" processed | "f" failed
//	jobrun:<jobID>:<runID>          JobRun JSON
//	tag:<id>                        Tag JSON
//	colltag:<collID>:<tagID>        "1"

func urle(s string) string { return url.QueryEscape(s) }

func collKey(id types.ID) string         { return "coll:" + id.String() }
func collPathKey(path string) string     { return "collpath:" + urle(path) }
func rootKey(id types.ID) string         { return "root:" + id.String() }
func rootPathKey(path string) string     { return "rootpath:" + urle(path) }
func bindKey(collID types.ID) string     { return "bind:" + collID.String() }
func jobKey(id types.ID) string          { return "job:" + id.String() }
func tagKey(id types.ID) string          { return "tag:" + id.String() }

func imgKey(collID types.ID, relPath string) string {
	return "img:" + collID.String() + ":" + urle(relPath)
}

func imgIDKey(id types.ID) string { return "imgid:" + id.String() }

func imgPrefix(collID types.ID) string { return "img:" + collID.String() + ":" }

func jobStateKey(state types.JobState, typ types.JobType, id types.ID) string {
	return "jobstate:" + string(state) + ":" + string(typ) + ":" + id.String()
}

func jobStatePrefix(state types.JobState) string {
	return "jobstate:" + string(state) + ":"
}

// jobItemKey escapes the item id: scan jobs use relative paths as
// item ids, generate jobs use image ids.
func jobItemKey(jobID types.ID, itemID string) string {
	return "jobitem:" + jobID.String() + ":" + urle(itemID)
}

func jobItemPrefix(jobID types.ID) string { return "jobitem:" + jobID.String() + ":" }

func jobRunKey(jobID, runID types.ID) string {
	return "jobrun:" + jobID.String() + ":" + runID.String()
}

func jobRunPrefix(jobID types.ID) string { return "jobrun:" + jobID.String() + ":" }

func collTagKey(collID, tagID types.ID) string {
	return "colltag:" + collID.String() + ":" + tagID.String()
}

func collTagPrefix(collID types.ID) string { return "colltag:" + collID.String() + ":" }
