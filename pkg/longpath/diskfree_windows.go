//go:build windows

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

package longpath

import "golang.org/x/sys/windows"

// DiskFree returns the free bytes available to unprivileged callers
// on the filesystem holding p.
func (l *FS) DiskFree(p string) (uint64, error) {
	sp, err := l.SafePath(p)
	if err != nil {
		return 0, err
	}
	var free, total, avail uint64
	p16, err := windows.UTF16PtrFromString(sp)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p16, &free, &total, &avail); err != nil {
		return 0, err
	}
	return free, nil
}
