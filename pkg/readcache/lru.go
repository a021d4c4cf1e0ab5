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

package readcache

import (
	"hash/fnv"
	"sync"
	"time"

	"picshelf.org/pkg/lru"
)

// numShards spreads L1 lock contention; requests hash to a shard by
// fingerprint.
const numShards = 16

type shardedLRU struct {
	shards [numShards]*lruShard
}

func newShardedLRU(maxBytes int64, ttl time.Duration) *shardedLRU {
	per := maxBytes / numShards
	if per < 1 {
		per = 1
	}
	s := new(shardedLRU)
	for i := range s.shards {
		s.shards[i] = &lruShard{
			lru:      lru.New(0),
			maxBytes: per,
			ttl:      ttl,
		}
	}
	return s
}

func (s *shardedLRU) shard(key string) *lruShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

func (s *shardedLRU) get(key string) ([]byte, bool) { return s.shard(key).get(key) }
func (s *shardedLRU) add(key string, b []byte)      { s.shard(key).add(key, b) }
func (s *shardedLRU) remove(key string)             { s.shard(key).remove(key) }

// stats sums entries and bytes across shards.
func (s *shardedLRU) stats() (entries int, bytes int64) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		entries += sh.lru.Len()
		bytes += sh.bytes
		sh.mu.Unlock()
	}
	return
}

// lruShard is one slice of L1: an LRU of byte values with a byte
// budget and a fixed per-entry TTL. The shard lock guards the byte
// counter and the eviction loop as one unit.
type lruShard struct {
	maxBytes int64
	ttl      time.Duration

	mu    sync.Mutex
	lru   *lru.Cache // values are *l1Entry
	bytes int64
}

type l1Entry struct {
	data    []byte
	expires time.Time
}

func (s *lruShard) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	ent := v.(*l1Entry)
	if time.Now().After(ent.expires) {
		s.lru.Remove(key)
		s.bytes -= int64(len(ent.data))
		return nil, false
	}
	return ent.data, true
}

func (s *lruShard) add(key string, b []byte) {
	if int64(len(b)) > s.maxBytes {
		// Never let one artifact flush the whole shard.
		return
	}
	ent := &l1Entry{data: b, expires: time.Now().Add(s.ttl)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.lru.Peek(key); ok {
		s.bytes -= int64(len(old.(*l1Entry).data))
	}
	s.lru.Add(key, ent)
	s.bytes += int64(len(b))
	for s.bytes > s.maxBytes {
		_, v := s.lru.RemoveOldest()
		if v == nil {
			break
		}
		s.bytes -= int64(len(v.(*l1Entry).data))
	}
}

func (s *lruShard) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.lru.Remove(key); ok {
		s.bytes -= int64(len(v.(*l1Entry).data))
	}
}
