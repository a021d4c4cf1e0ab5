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

// Package env detects what sort of environment picshelf is running in.
package env // import "picshelf.org/pkg/env"

import (
	"os"
	"strconv"
)

// IsDebug reports whether this is a debug environment.
func IsDebug() bool {
	return isDebug
}

// DebugJobs reports whether the job scheduler should log scheduling
// decisions that are normally silent, like headroom waits and progress
// flushes.
func DebugJobs() bool {
	return isDebugJobs
}

// IsDev reports whether this is a development server environment.
// Backends use stricter consistency checks in dev mode.
func IsDev() bool {
	return isDev
}

var (
	isDev          = os.Getenv("PICSHELF_DEV_ROOT") != ""
	isDebug, _     = strconv.ParseBool(os.Getenv("PICSHELF_DEBUG"))
	isDebugJobs, _ = strconv.ParseBool(os.Getenv("PICSHELF_DEBUG_JOBS"))
)
