package diffcache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/batonworks/baton/internal/snapshot"
)

// Key identifies one cached snapshot. A struct key with structural equality,
// never a concatenated string, so task ids containing separator characters
// cannot collide.
type Key struct {
	TaskID string
	Slice  snapshot.Slice
}

type entry struct {
	snap        *snapshot.Snapshot
	digest      string
	generatedAt time.Time
}

// FieldChange records one top-level field difference between the cached and
// the current snapshot. Added marks fields absent from the previous snapshot.
type FieldChange struct {
	Old   any  `json:"old,omitempty"`
	New   any  `json:"new"`
	Added bool `json:"added,omitempty"`
}

// Result is the outcome of a diff request. Exactly one of the three shapes
// applies: Unchanged (digest match, no payload), Snapshot (first-time caller,
// full payload), or Changes (field-level diff).
type Result struct {
	TaskID    string                 `json:"taskId"`
	Slice     snapshot.Slice         `json:"slice"`
	Digest    string                 `json:"digest"`
	Found     bool                   `json:"found"`
	Unchanged bool                   `json:"unchanged"`
	Snapshot  *snapshot.Snapshot     `json:"snapshot,omitempty"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
}

// Cache keeps the last-known snapshot per (task, slice) and serves
// change-detection requests. The current snapshot is always recomputed fresh;
// the cache only supplies the previous value for diffing, so last-writer-wins
// replacement under concurrent callers is safe.
type Cache struct {
	snapshotter *snapshot.Snapshotter
	mu          sync.RWMutex
	entries     map[Key]entry
}

func New(snapshotter *snapshot.Snapshotter) *Cache {
	return &Cache{
		snapshotter: snapshotter,
		entries:     make(map[Key]entry),
	}
}

// GetDiff compares callerDigest against the task's current snapshot digest.
// Empty callerDigest means first-time caller: full snapshot, no diff.
func (c *Cache) GetDiff(ctx context.Context, taskID string, slice snapshot.Slice, callerDigest string) (*Result, error) {
	snap, err := c.snapshotter.Take(ctx, taskID, slice)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TaskID: taskID,
		Slice:  slice,
		Digest: snap.Digest,
		Found:  snap.Found,
	}

	if callerDigest != "" && callerDigest == snap.Digest {
		res.Unchanged = true
		return res, nil
	}

	key := Key{TaskID: taskID, Slice: slice}

	if callerDigest == "" {
		res.Snapshot = snap
		c.put(key, snap)
		return res, nil
	}

	c.mu.RLock()
	prev, ok := c.entries[key]
	c.mu.RUnlock()

	var prevFields map[string]any
	if ok {
		prevFields = prev.snap.Fields
	}
	res.Changes = diffFields(prevFields, snap.Fields)
	c.put(key, snap)
	return res, nil
}

// Get returns the current snapshot for the key and refreshes the cache entry.
func (c *Cache) Get(ctx context.Context, taskID string, slice snapshot.Slice) (*snapshot.Snapshot, error) {
	snap, err := c.snapshotter.Take(ctx, taskID, slice)
	if err != nil {
		return nil, err
	}
	c.put(Key{TaskID: taskID, Slice: slice}, snap)
	return snap, nil
}

func (c *Cache) put(key Key, snap *snapshot.Snapshot) {
	c.mu.Lock()
	c.entries[key] = entry{snap: snap, digest: snap.Digest, generatedAt: snap.GeneratedAt}
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PruneOlderThan drops entries generated before the cutoff and returns how
// many were removed. Retention is an operational concern only; the diff
// contract does not depend on an entry being present.
func (c *Cache) PruneOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.generatedAt.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// diffFields computes the top-level field diff. Fields present in either map
// are compared by deep value equality; fields only in the new map are marked
// Added, fields only in the old map appear with New=nil.
func diffFields(oldFields, newFields map[string]any) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for name, newVal := range newFields {
		oldVal, ok := oldFields[name]
		if !ok {
			changes[name] = FieldChange{New: newVal, Added: true}
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			changes[name] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	for name, oldVal := range oldFields {
		if _, ok := newFields[name]; !ok {
			changes[name] = FieldChange{Old: oldVal}
		}
	}
	return changes
}
