package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/lifecycle"
	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/store"
	"github.com/batonworks/baton/internal/task"
)

func newRepo(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "baton.db"))
	if err != nil {
		t.Fatalf("store.New error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSweepPrunesCache(t *testing.T) {
	repo := newRepo(t)
	engine := lifecycle.New(repo, nil)
	ctx := context.Background()

	if _, err := engine.CreateTask(ctx, lifecycle.CreateTaskRequest{TaskID: "T1", Name: "sweep"}); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}

	cache := diffcache.New(snapshot.New(repo, snapshot.Limits{}))
	if _, err := cache.Get(ctx, "T1", snapshot.SliceStatus); err != nil {
		t.Fatalf("cache.Get error: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", cache.Len())
	}

	// Zero TTL would disable pruning; a tiny one expires the fresh entry.
	svc := NewService(repo, cache, time.Nanosecond, time.Hour, "@hourly")
	time.Sleep(time.Millisecond)
	svc.Sweep()

	if cache.Len() != 0 {
		t.Fatalf("expected pruned cache, got %d entries", cache.Len())
	}
}

func TestSweepZeroTTLKeepsCache(t *testing.T) {
	repo := newRepo(t)
	engine := lifecycle.New(repo, nil)
	ctx := context.Background()

	if _, err := engine.CreateTask(ctx, lifecycle.CreateTaskRequest{TaskID: "T1", Name: "sweep"}); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	cache := diffcache.New(snapshot.New(repo, snapshot.Limits{}))
	if _, err := cache.Get(ctx, "T1", snapshot.SliceStatus); err != nil {
		t.Fatalf("cache.Get error: %v", err)
	}

	svc := NewService(repo, cache, 0, 0, "@hourly")
	svc.Sweep()

	if cache.Len() != 1 {
		t.Fatalf("zero ttl must not prune, got %d entries", cache.Len())
	}
}

func TestSweepDoesNotResolveStaleDelegations(t *testing.T) {
	repo := newRepo(t)
	engine := lifecycle.New(repo, nil)
	ctx := context.Background()

	if _, err := engine.CreateTask(ctx, lifecycle.CreateTaskRequest{TaskID: "T1", Name: "sweep"}); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	// Insert a delegation that has been pending for three days.
	rec := &task.DelegationRecord{
		ID:             "d-old",
		TaskID:         "T1",
		FromRole:       task.RoleBoomerang,
		ToRole:         task.RoleSeniorDeveloper,
		DelegationTime: time.Now().UTC().Add(-72 * time.Hour),
	}
	if err := repo.Apply(ctx, &task.ChangeSet{NewDelegation: rec}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}

	svc := NewService(repo, nil, 0, 48*time.Hour, "@hourly")

	ran := false
	svc.OnRun = func() { ran = true }
	svc.Sweep()
	if !ran {
		t.Fatal("OnRun hook not called")
	}

	// Reporting only: the delegation must still be pending.
	got, err := repo.GetDelegation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetDelegation error: %v", err)
	}
	if !got.Pending() {
		t.Fatalf("sweep must never resolve delegations, got %+v", got)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	svc := NewService(newRepo(t), nil, 0, 0, "not a schedule")
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartAndStop(t *testing.T) {
	svc := NewService(newRepo(t), nil, 0, 0, "0 0 * * * *")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	svc.Stop()
}
