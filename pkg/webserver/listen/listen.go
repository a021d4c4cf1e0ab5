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

// Package listen resolves the listen-address forms picshelfd accepts
// into TCP listeners.
package listen // import "picshelf.org/pkg/webserver/listen"

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Listen is a replacement for net.Listen and accepts
//
//	port, :port, ip:port, FD:<fd_num>
//
// Listeners are always TCP. The FD form adopts an inherited listener
// from the parent process, for socket-activated deployments.
func Listen(addr string) (net.Listener, error) {
	if fdStr, ok := strings.CutPrefix(addr, "FD:"); ok {
		fd, err := strconv.ParseUint(fdStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("listen: invalid file descriptor %q: %v", fdStr, err)
		}
		return listenOnFD(uintptr(fd))
	}

	ipPort := addr
	if isPort(addr) {
		ipPort = ":" + addr
	}
	if _, _, err := net.SplitHostPort(ipPort); err != nil {
		return nil, fmt.Errorf("listen: invalid PORT or IP:PORT %q: %v", addr, err)
	}
	return net.Listen("tcp", ipPort)
}

func isPort(s string) bool {
	_, err := strconv.ParseUint(s, 10, 16)
	return err == nil
}

func listenOnFD(fd uintptr) (net.Listener, error) {
	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("listen: FD listeners unsupported on Windows")
	}
	f := os.NewFile(fd, fmt.Sprintf("fd #%d from process parent", fd))
	return net.FileListener(f)
}
