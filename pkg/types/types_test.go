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

import (
	"encoding/json"
	"testing"
)

func TestIDRoundTrip(t *testing.T) {
	id := NewID()
	s := id.String()
	if len(s) != 32 {
		t.Fatalf("ID.String() = %q; want 32 hex chars", s)
	}
	back, err := ParseID(s)
	if err != nil {
		t.Fatalf("ParseID(%q): %v", s, err)
	}
	if back != id {
		t.Errorf("round trip = %v; want %v", back, id)
	}
}

func TestParseIDErrors(t *testing.T) {
	bad := []string{
		"",
		"abc",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		"0123456789abcdef0123456789abcdef00", // too long
	}
	for _, s := range bad {
		if _, err := ParseID(s); err == nil {
			t.Errorf("ParseID(%q) succeeded; want error", s)
		}
	}
}

func TestIDJSON(t *testing.T) {
	type wrapper struct {
		ID ID `json:"id"`
	}
	in := wrapper{ID: MustParseID("0123456789abcdef0123456789abcdef")}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"0123456789abcdef0123456789abcdef"}`
	if string(b) != want {
		t.Errorf("Marshal = %s; want %s", b, want)
	}
	var out wrapper
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID {
		t.Errorf("Unmarshal = %v; want %v", out.ID, in.ID)
	}
}

func TestIDLess(t *testing.T) {
	a := MustParseID("00000000000000000000000000000001")
	b := MustParseID("00000000000000000000000000000002")
	if !a.Less(b) {
		t.Errorf("%v.Less(%v) = false; want true", a, b)
	}
	if b.Less(a) {
		t.Errorf("%v.Less(%v) = true; want false", b, a)
	}
	if a.Less(a) {
		t.Errorf("%v.Less(itself) = true; want false", a)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"jpg", FormatJPEG, true},
		{"jpeg", FormatJPEG, true},
		{"JPEG", FormatJPEG, true},
		{"png", FormatPNG, true},
		{"webp", FormatWEBP, true},
		{"tif", FormatTIFF, true},
		{"exe", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.ok && err != nil {
			t.Errorf("ParseFormat(%q): %v", tt.in, err)
			continue
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseFormat(%q) succeeded; want error", tt.in)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatExt(t *testing.T) {
	if got := FormatJPEG.Ext(); got != "jpg" {
		t.Errorf("jpeg ext = %q; want jpg", got)
	}
	if got := FormatPNG.Ext(); got != "png" {
		t.Errorf("png ext = %q; want png", got)
	}
}

func TestValidJobTransition(t *testing.T) {
	allow := [][2]JobState{
		{JobPending, JobRunning},
		{JobPending, JobCancelled},
		{JobRunning, JobPaused},
		{JobPaused, JobRunning},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
		{JobPaused, JobCancelled},
	}
	deny := [][2]JobState{
		{JobPending, JobCompleted},
		{JobPending, JobPaused},
		{JobCompleted, JobRunning},
		{JobFailed, JobPending},
		{JobCancelled, JobRunning},
		{JobPaused, JobCompleted},
		{JobPaused, JobFailed},
	}
	for _, tr := range allow {
		if !ValidJobTransition(tr[0], tr[1]) {
			t.Errorf("transition %v -> %v rejected; want allowed", tr[0], tr[1])
		}
	}
	for _, tr := range deny {
		if ValidJobTransition(tr[0], tr[1]) {
			t.Errorf("transition %v -> %v allowed; want rejected", tr[0], tr[1])
		}
	}
}

func TestCollectionTypeForExt(t *testing.T) {
	tests := []struct {
		ext  string
		want CollectionType
		ok   bool
	}{
		{"zip", CollectionZip, true},
		{"cbz", CollectionZip, true},
		{"7z", CollectionSevenZip, true},
		{"rar", CollectionRar, true},
		{"tar", CollectionTar, true},
		{"tgz", CollectionTarGz, true},
		{"jpg", CollectionFolder, false},
	}
	for _, tt := range tests {
		got, ok := CollectionTypeForExt(tt.ext)
		if ok != tt.ok || got != tt.want {
			t.Errorf("CollectionTypeForExt(%q) = %v, %v; want %v, %v",
				tt.ext, got, ok, tt.want, tt.ok)
		}
	}
}
