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

// Package chanworker runs a fixed pool of workers fed from a channel
// with an unbounded in-between buffer, so senders never block on a
// slow worker.
package chanworker // import "picshelf.org/internal/chanworker"

import "sync"

const buffered = 16

type chanWorker[T any] struct {
	c chan T

	donec chan bool
	workc chan T
	fn    func(el T, ok bool)
	buf   []T
}

// NewWorker starts nWorkers goroutines running fn on incoming items
// sent on the returned channel. fn may block; writes to the channel
// buffer without bound.
// If nWorkers is negative, a new goroutine running fn is started for
// each item sent on the returned channel.
// When the returned channel is closed, fn is called once with
// (zero value, false) after all other calls to fn have completed.
// If nWorkers is zero, NewWorker panics.
func NewWorker[T any](nWorkers int, fn func(el T, ok bool)) chan<- T {
	if nWorkers == 0 {
		panic("chanworker.NewWorker: invalid value of 0 for nWorkers")
	}
	retc := make(chan T, buffered)
	if nWorkers < 0 {
		// Unbounded number of workers.
		go func() {
			var zero T
			var wg sync.WaitGroup
			for w := range retc {
				wg.Add(1)
				go func(w T) {
					fn(w, true)
					wg.Done()
				}(w)
			}
			wg.Wait()
			fn(zero, false)
		}()
		return retc
	}
	w := &chanWorker[T]{
		c:     retc,
		workc: make(chan T, buffered),
		donec: make(chan bool), // when workers finish
		fn:    fn,
	}
	go w.pump()
	for i := 0; i < nWorkers; i++ {
		go w.work()
	}
	go func() {
		var zero T
		for i := 0; i < nWorkers; i++ {
			<-w.donec
		}
		fn(zero, false) // final sentinel
	}()
	return retc
}

func (w *chanWorker[T]) pump() {
	inc := w.c
	for inc != nil || len(w.buf) > 0 {
		outc := w.workc
		var frontNode T
		if len(w.buf) > 0 {
			frontNode = w.buf[0]
		} else {
			outc = nil
		}
		select {
		case outc <- frontNode:
			w.buf = w.buf[1:]
		case el, ok := <-inc:
			if !ok {
				inc = nil
				continue
			}
			w.buf = append(w.buf, el)
		}
	}
	close(w.workc)
}

func (w *chanWorker[T]) work() {
	for n := range w.workc {
		w.fn(n, true)
	}
	w.donec <- true
}
