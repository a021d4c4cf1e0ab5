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

package magic

import (
	"strings"
	"testing"
)

type magicTest struct {
	data string
	want string
}

var tests = []magicTest{
	{data: "GIF87afoofoofoo", want: "image/gif"},
	{data: "\xff\xd8\xff\xe0" + strings.Repeat("x", 16), want: "image/jpeg"},
	{data: "\x89PNG\r\n\x1a\n01234567", want: "image/png"},
	{data: "BM012345678901234567", want: "image/bmp"},
	{data: "RIFF1234WEBPVP8 plus-some-payload", want: "image/webp"},
	{data: "\x1f\x8b\x08payloadpayload", want: "application/gzip"},
	{data: "BZh91AY&SYpayload", want: "application/bzip2"},
	{data: "\xfd7zXZ\x00payload", want: "application/x-xz"},
	{data: "\x28\xb5\x2f\xfdpayload", want: "application/zstd"},
	{data: "PK\x03\x04payloadpayload", want: "application/zip"},
	{data: "7z\xbc\xaf\x27\x1cpayload", want: "application/x-7z-compressed"},
	{data: "Rar!\x1a\x07\x00payload", want: "application/x-rar-compressed"},
	{data: "Rar!\x1a\x07\x01\x00payload", want: "application/x-rar-compressed"},
	{data: "<html>foo</html>", want: "text/html"},
	{data: "\xff", want: ""},
}

func TestMagic(t *testing.T) {
	for i, tt := range tests {
		mime := MIMEType([]byte(tt.data))
		if mime != tt.want {
			t.Errorf("%d. got %q; want %q", i, mime, tt.want)
		}
	}
}

func TestDetectCompression(t *testing.T) {
	tests := []struct {
		data string
		want Compression
	}{
		{"\x1f\x8b\x08payload", CompressionGzip},
		{"BZh91AY&SY", CompressionBzip2},
		{"\xfd7zXZ\x00payload", CompressionXz},
		{"\x28\xb5\x2f\xfdpayload", CompressionZstd},
		{"plain tar bytes here", CompressionNone},
		{"", CompressionNone},
	}
	for _, tt := range tests {
		if got := DetectCompression([]byte(tt.data)); got != tt.want {
			t.Errorf("DetectCompression(%q) = %v; want %v", tt.data, got, tt.want)
		}
	}
}

func TestHasExtension(t *testing.T) {
	exts := map[string]bool{"jpg": true, "jpeg": true, "png": true}
	if !HasExtension("photo.JPG", exts) {
		t.Error("photo.JPG not matched")
	}
	if !HasExtension("dir/photo.jpeg", exts) {
		t.Error("dir/photo.jpeg not matched")
	}
	if HasExtension("notes.txt", exts) {
		t.Error("notes.txt matched")
	}
	if HasExtension("noext", exts) {
		t.Error("extensionless name matched")
	}
}
