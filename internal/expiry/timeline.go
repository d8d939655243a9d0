// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package expiry holds the in-memory lease expiry timeline and the scheduler
// worker that turns due entries into destroyed instances and re-offered
// lease slots.
package expiry

import (
	"sort"
	"sync"
	"time"
)

// Entry mirrors one Acquired/Extended lease in the timeline.
type Entry struct {
	TxHash        string
	ContainerName string
	Tenant        string
	ExpiresAt     time.Time
}

// Timeline is an ordered set of expiry entries, popped in ExpiresAt order.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Add inserts an entry keeping the timeline sorted.
func (t *Timeline) Add(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].ExpiresAt.After(e.ExpiresAt)
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// Get returns the entry for a container.
func (t *Timeline) Get(containerName string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.ContainerName == containerName {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove deletes and returns the entry for a container.
func (t *Timeline) Remove(containerName string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.ContainerName == containerName {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

// Extend pushes a container's expiry forward by d, keeping order.
func (t *Timeline) Extend(containerName string, d time.Duration) (Entry, bool) {
	t.mu.Lock()
	var entry Entry
	found := false
	for i, e := range t.entries {
		if e.ContainerName == containerName {
			entry = e
			entry.ExpiresAt = e.ExpiresAt.Add(d)
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return Entry{}, false
	}
	t.Add(entry)
	return entry, true
}

// PopDue removes and returns every entry due at or before now, in order.
func (t *Timeline) PopDue(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].ExpiresAt.After(now)
	})
	if i == 0 {
		return nil
	}
	due := make([]Entry, i)
	copy(due, t.entries[:i])
	t.entries = append(t.entries[:0], t.entries[i:]...)
	return due
}

// Len reports the number of pending entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
