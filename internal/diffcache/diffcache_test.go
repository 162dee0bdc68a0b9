package diffcache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/store"
	"github.com/batonworks/baton/internal/task"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "baton.db"))
	if err != nil {
		t.Fatalf("store.New error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(snapshot.New(s, snapshot.Limits{})), s
}

func seedTask(t *testing.T, s *store.Store, taskID string) {
	t.Helper()
	err := s.CreateTask(context.Background(), &task.Task{
		TaskID:       taskID,
		Name:         "diff test",
		Status:       task.StatusNotStarted,
		CreationTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
}

func setStatus(t *testing.T, s *store.Store, taskID string, status task.Status) {
	t.Helper()
	ctx := context.Background()
	tk, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	tk.Status = status
	if err := s.Apply(ctx, &task.ChangeSet{Task: tk}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
}

func TestFirstCallReturnsFullSnapshot(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")

	res, err := c.GetDiff(context.Background(), "T1", snapshot.SliceStatus, "")
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if res.Unchanged {
		t.Fatalf("first call must not be unchanged")
	}
	if res.Snapshot == nil || res.Changes != nil {
		t.Fatalf("first call returns full snapshot, no diff: %+v", res)
	}
	if res.Digest == "" {
		t.Fatalf("expected digest")
	}
	if c.Len() != 1 {
		t.Fatalf("expected cache populated, len=%d", c.Len())
	}
}

func TestDiffIdempotence(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")
	ctx := context.Background()

	first, err := c.GetDiff(ctx, "T1", snapshot.SliceStatus, "")
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	second, err := c.GetDiff(ctx, "T1", snapshot.SliceStatus, first.Digest)
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if !second.Unchanged {
		t.Fatalf("expected unchanged with current digest")
	}
	if second.Snapshot != nil || second.Changes != nil {
		t.Fatalf("unchanged response carries no payload: %+v", second)
	}
	if second.Digest != first.Digest {
		t.Fatalf("digest drifted without mutation")
	}
}

func TestStaleDigestYieldsFieldDiff(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")
	ctx := context.Background()

	first, err := c.GetDiff(ctx, "T1", snapshot.SliceStatus, "")
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}

	setStatus(t, s, "T1", task.StatusInProgress)

	res, err := c.GetDiff(ctx, "T1", snapshot.SliceStatus, first.Digest)
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if res.Unchanged {
		t.Fatalf("expected changed after mutation")
	}
	if len(res.Changes) != 1 {
		t.Fatalf("expected only the status field to differ, got %v", res.Changes)
	}
	ch, ok := res.Changes["status"]
	if !ok {
		t.Fatalf("expected status change, got %v", res.Changes)
	}
	if ch.Old != "not-started" || ch.New != "in-progress" {
		t.Fatalf("unexpected old/new: %+v", ch)
	}
	if ch.Added {
		t.Fatalf("status was present before, must not be marked added")
	}
}

func TestDiffWithoutPriorCacheEntryMarksAdded(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")

	// Stale digest but empty cache: every field comes back as added.
	res, err := c.GetDiff(context.Background(), "T1", snapshot.SliceStatus, "deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if res.Unchanged || len(res.Changes) == 0 {
		t.Fatalf("expected a diff, got %+v", res)
	}
	for name, ch := range res.Changes {
		if !ch.Added {
			t.Fatalf("expected %q marked added, got %+v", name, ch)
		}
	}
}

func TestDiffNotFoundTask(t *testing.T) {
	c, _ := newTestCache(t)

	res, err := c.GetDiff(context.Background(), "missing", snapshot.SliceStatus, "")
	if err != nil {
		t.Fatalf("GetDiff over missing task must not error, got %v", err)
	}
	if res.Found {
		t.Fatalf("expected Found=false")
	}
	if res.Digest == "" {
		t.Fatalf("not-found responses still carry a digest for polling")
	}
}

func TestCompositeKeysDoNotCollide(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")
	seedTask(t, s, "T2")
	ctx := context.Background()

	if _, err := c.GetDiff(ctx, "T1", snapshot.SliceStatus, ""); err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if _, err := c.GetDiff(ctx, "T1", snapshot.SliceFull, ""); err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if _, err := c.GetDiff(ctx, "T2", snapshot.SliceStatus, ""); err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 distinct entries, got %d", c.Len())
	}
}

func TestPruneOlderThan(t *testing.T) {
	c, s := newTestCache(t)
	seedTask(t, s, "T1")

	if _, err := c.GetDiff(context.Background(), "T1", snapshot.SliceStatus, ""); err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if n := c.PruneOlderThan(time.Hour); n != 0 {
		t.Fatalf("fresh entry pruned: %d", n)
	}
	if n := c.PruneOlderThan(-time.Second); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}

	// Pruning never breaks the diff contract; the next stale-digest call
	// just reports fields as added again.
	res, err := c.GetDiff(context.Background(), "T1", snapshot.SliceStatus, "deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("GetDiff error: %v", err)
	}
	if res.Unchanged {
		t.Fatalf("expected diff after prune")
	}
}
