// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"container/heap"
	"time"

	"github.com/tmbx/kwm/kas"
)

type wakeKind uint8

const (
	wakeSession wakeKind = iota
	wakeSerialize
	wakeReconnect
	wakeQuench
)

// wakeKey names one schedulable piece of work. Only the fields
// relevant to the kind are set.
type wakeKey struct {
	kind    wakeKind
	session SessionID
	server  kas.ServerID
}

func sessionKey(id SessionID) wakeKey          { return wakeKey{kind: wakeSession, session: id} }
func reconnectKey(server kas.ServerID) wakeKey { return wakeKey{kind: wakeReconnect, server: server} }

var (
	serializeKey = wakeKey{kind: wakeSerialize}
	quenchKey    = wakeKey{kind: wakeQuench}
)

type wakeEntry struct {
	key   wakeKey
	at    time.Time
	seq   uint64
	index int
}

type wakeHeap []*wakeEntry

func (h wakeHeap) Len() int { return len(h) }

func (h wakeHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	entry := x.(*wakeEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// scheduler is the single source of "when does this need to run
// next" for sessions and orchestrator housekeeping. A key is in the
// heap at most once, at its earliest requested time.
type scheduler struct {
	entries wakeHeap
	byKey   map[wakeKey]*wakeEntry
	seq     uint64
}

func newScheduler() *scheduler {
	return &scheduler{byKey: make(map[wakeKey]*wakeEntry)}
}

// schedule asks for key to run at or after at. An existing earlier
// request wins.
func (s *scheduler) schedule(key wakeKey, at time.Time) {
	if entry, ok := s.byKey[key]; ok {
		if at.Before(entry.at) {
			entry.at = at
			heap.Fix(&s.entries, entry.index)
		}
		return
	}
	s.seq++
	entry := &wakeEntry{key: key, at: at, seq: s.seq}
	s.byKey[key] = entry
	heap.Push(&s.entries, entry)
}

func (s *scheduler) cancel(key wakeKey) {
	entry, ok := s.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&s.entries, entry.index)
	delete(s.byKey, key)
}

// due reports whether key is scheduled at or before now.
func (s *scheduler) due(key wakeKey, now time.Time) bool {
	entry, ok := s.byKey[key]
	return ok && !entry.at.After(now)
}

func (s *scheduler) scheduled(key wakeKey) bool {
	_, ok := s.byKey[key]
	return ok
}

// hasDue reports whether anything is due at or before now.
func (s *scheduler) hasDue(now time.Time) bool {
	return len(s.entries) > 0 && !s.entries[0].at.After(now)
}

// popDue removes and returns every key due at or before now, earliest
// first.
func (s *scheduler) popDue(now time.Time) []wakeKey {
	var keys []wakeKey
	for s.hasDue(now) {
		entry := heap.Pop(&s.entries).(*wakeEntry)
		delete(s.byKey, entry.key)
		keys = append(keys, entry.key)
	}
	return keys
}

// next returns the earliest scheduled time.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].at, true
}
