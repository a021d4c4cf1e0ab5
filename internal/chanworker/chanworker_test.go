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

package chanworker

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerProcessesAll(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	donec := make(chan bool)
	c := NewWorker(3, func(n int, ok bool) {
		if !ok {
			close(donec)
			return
		}
		mu.Lock()
		seen[n] = true
		mu.Unlock()
	})
	const items = 100
	for i := 0; i < items; i++ {
		c <- i
	}
	close(c)
	select {
	case <-donec:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for final sentinel")
	}
	if len(seen) != items {
		t.Errorf("processed %d items; want %d", len(seen), items)
	}
}

func TestWorkerSendsNeverBlock(t *testing.T) {
	// One deliberately slow worker: the pump's buffer must absorb
	// everything the sender throws at it.
	block := make(chan bool)
	donec := make(chan bool)
	var got int
	c := NewWorker(1, func(n int, ok bool) {
		if !ok {
			close(donec)
			return
		}
		got++
		<-block
	})
	for i := 0; i < 200; i++ {
		select {
		case c <- i:
		case <-time.After(2 * time.Second):
			t.Fatalf("send %d blocked", i)
		}
	}
	close(c)
	close(block)
	select {
	case <-donec:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for final sentinel")
	}
	if got != 200 {
		t.Errorf("worker saw %d items; want 200", got)
	}
}

func TestWorkerZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewWorker(0, ...) did not panic")
		}
	}()
	NewWorker[int](0, func(int, bool) {})
}
