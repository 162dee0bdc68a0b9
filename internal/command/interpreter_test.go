package command

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/lifecycle"
	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/store"
	"github.com/batonworks/baton/internal/task"
)

type fixture struct {
	repo        *store.Store
	engine      *lifecycle.Engine
	interpreter *Interpreter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "baton.db"))
	if err != nil {
		t.Fatalf("store.New error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	engine := lifecycle.New(s, nil)
	cache := diffcache.New(snapshot.New(s, snapshot.Limits{}))
	return &fixture{
		repo:        s,
		engine:      engine,
		interpreter: NewInterpreter(s, engine, cache, DefaultTables()),
	}
}

func (f *fixture) createTask(t *testing.T, taskID string) {
	t.Helper()
	_, err := f.engine.CreateTask(context.Background(), lifecycle.CreateTaskRequest{TaskID: taskID, Name: "cmd test"})
	if err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
}

func TestUnknownVerbEchoesRaw(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "T1")

	raw := "foo(1,2)"
	_, err := f.interpreter.Run(context.Background(), "T1", raw)
	if !errors.Is(err, task.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if !strings.Contains(err.Error(), raw) {
		t.Fatalf("expected raw command %q in error, got %v", raw, err)
	}
}

func TestStatusCommandMatchesDirectCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")
	f.createTask(t, "T2")

	// Shorthand path.
	res, err := f.interpreter.Run(ctx, "T1", `status(INP,"x")`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Kind != ResultOK {
		t.Fatalf("expected ok, got %s", res.Kind)
	}

	// Direct engine call on a twin task.
	note := "x"
	direct, err := f.engine.UpdateStatus(ctx, lifecycle.UpdateStatusRequest{TaskID: "T2", Status: task.StatusInProgress, Note: &note})
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}

	viaCmd, err := f.repo.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if viaCmd.Status != direct.Task.Status {
		t.Fatalf("command path status %s != direct path %s", viaCmd.Status, direct.Task.Status)
	}

	c1, err := f.repo.ListComments(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	c2, err := f.repo.ListComments(ctx, "T2", 0)
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	if len(c1) != 1 || len(c2) != 1 || c1[0].Text != c2[0].Text {
		t.Fatalf("command and direct paths diverge on comments: %+v vs %+v", c1, c2)
	}
}

func TestStatusLongFormPassThrough(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "T1")

	res, err := f.interpreter.Run(context.Background(), "T1", `status(needs-review)`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Task.Status != task.StatusNeedsReview {
		t.Fatalf("expected needs-review, got %s", res.Task.Status)
	}
}

func TestStatusUnknownToken(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "T1")

	_, err := f.interpreter.Run(context.Background(), "T1", `status(ZZZ)`)
	if !errors.Is(err, task.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestDelegateCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")

	res, err := f.interpreter.Run(ctx, "T1", `delegate(AR,"plan it",IP)`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	rec := res.Delegation
	if rec == nil || rec.FromRole != task.RoleBoomerang || rec.ToRole != task.RoleArchitect {
		t.Fatalf("expected boomerang->architect, got %+v", rec)
	}

	got, err := f.repo.GetTask(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if got.CurrentRole == nil || *got.CurrentRole != task.RoleArchitect {
		t.Fatalf("expected currentRole architect, got %v", got.CurrentRole)
	}

	comments, err := f.repo.ListComments(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(comments))
	}
	if comments[0].SubRef == nil || *comments[0].SubRef != "implementation-plan" {
		t.Fatalf("expected expanded doc ref, got %v", comments[0].SubRef)
	}

	// Current role is now architect; delegating to architect again is
	// self-delegation and must be rejected.
	_, err = f.interpreter.Run(ctx, "T1", `delegate(AR,"again")`)
	if !errors.Is(err, task.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestNoteUsesCurrentRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")

	if _, err := f.interpreter.Run(ctx, "T1", `delegate(SD,"build it")`); err != nil {
		t.Fatalf("Run delegate error: %v", err)
	}
	if _, err := f.interpreter.Run(ctx, "T1", `note("halfway there")`); err != nil {
		t.Fatalf("Run note error: %v", err)
	}

	comments, err := f.repo.ListComments(ctx, "T1", 0)
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	// Most recent first: the note, then the delegation message.
	if comments[0].Role != task.RoleSeniorDeveloper || comments[0].Text != "halfway there" {
		t.Fatalf("expected note authored by senior-developer, got %+v", comments[0])
	}
}

func TestNoteMissingTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.interpreter.Run(context.Background(), "missing", `note("hello")`)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestContextCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")

	res, err := f.interpreter.Run(ctx, "T1", `context(T1,STATUS)`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Kind != ResultOK || res.Snapshot == nil {
		t.Fatalf("expected snapshot, got %+v", res)
	}
	if res.Snapshot.Slice != snapshot.SliceStatus {
		t.Fatalf("expected STATUS slice, got %s", res.Snapshot.Slice)
	}

	// Single-argument form binds to the command's task.
	res, err = f.interpreter.Run(ctx, "T1", `context(TD)`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Snapshot.Slice != snapshot.SliceDescription {
		t.Fatalf("expected DESCRIPTION slice for TD, got %s", res.Snapshot.Slice)
	}
}

func TestContextMissingTaskIsOutcomeNotError(t *testing.T) {
	f := newFixture(t)

	res, err := f.interpreter.Run(context.Background(), "missing", `context(STATUS)`)
	if err != nil {
		t.Fatalf("context over missing task must not error, got %v", err)
	}
	if res.Kind != ResultNotFound {
		t.Fatalf("expected not-found outcome, got %s", res.Kind)
	}
}

func TestDiffUnchangedOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")

	first, err := f.interpreter.Diff(ctx, "T1", "STATUS", "")
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	second, err := f.interpreter.Diff(ctx, "T1", "STATUS", first.Diff.Digest)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if second.Kind != ResultUnchanged {
		t.Fatalf("expected unchanged outcome, got %s", second.Kind)
	}

	// A mutation flips the outcome back and the diff pinpoints status.
	if _, err := f.interpreter.Run(ctx, "T1", `status(INP)`); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	third, err := f.interpreter.Diff(ctx, "T1", "STATUS", first.Diff.Digest)
	if err != nil {
		t.Fatalf("Diff error: %v", err)
	}
	if third.Kind != ResultOK || third.Diff.Unchanged {
		t.Fatalf("expected changed outcome, got %+v", third)
	}
	if _, ok := third.Diff.Changes["status"]; !ok {
		t.Fatalf("expected status in diff, got %v", third.Diff.Changes)
	}
}

func TestJSONObjectArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createTask(t, "T1")

	res, err := f.interpreter.Run(ctx, "T1", `delegate({"role":"CR","message":"please review","docRef":"CRD"})`)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Delegation.ToRole != task.RoleCodeReview {
		t.Fatalf("expected code-review target, got %s", res.Delegation.ToRole)
	}
}
