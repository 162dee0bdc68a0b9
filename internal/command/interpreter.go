// Package command implements the compact textual protocol used by roles to
// drive the lifecycle engine and the context cache. Commands look like
// status(INP,"note") or delegate(AR,"plan it",IP); shorthand expansion is
// centralized here and canonical long forms are the only values dispatched
// onward.
package command

import (
	"context"

	"github.com/batonworks/baton/internal/diffcache"
	"github.com/batonworks/baton/internal/lifecycle"
	"github.com/batonworks/baton/internal/snapshot"
	"github.com/batonworks/baton/internal/task"
)

// ResultKind classifies a command outcome. Context lookups over missing
// tasks and unchanged-digest responses are outcomes, not errors; hard
// failures are returned as errors instead.
type ResultKind string

const (
	ResultOK        ResultKind = "ok"
	ResultUnchanged ResultKind = "unchanged"
	ResultNotFound  ResultKind = "not-found"
)

// Result is the structured outcome of one command.
type Result struct {
	Verb       string                   `json:"verb"`
	Kind       ResultKind               `json:"kind"`
	Task       *task.Task               `json:"task,omitempty"`
	Delegation *task.DelegationRecord   `json:"delegation,omitempty"`
	Comment    *task.Comment            `json:"comment,omitempty"`
	Transition *task.WorkflowTransition `json:"transition,omitempty"`
	Snapshot   *snapshot.Snapshot       `json:"snapshot,omitempty"`
	Diff       *diffcache.Result        `json:"diff,omitempty"`
}

// Interpreter parses and dispatches protocol commands. It is the only
// component that ever sees shorthand tokens.
type Interpreter struct {
	repo   task.Repository
	engine *lifecycle.Engine
	cache  *diffcache.Cache
	tables *Tables
}

func NewInterpreter(repo task.Repository, engine *lifecycle.Engine, cache *diffcache.Cache, tables *Tables) *Interpreter {
	if tables == nil {
		tables = DefaultTables()
	}
	return &Interpreter{repo: repo, engine: engine, cache: cache, tables: tables}
}

// Run executes one command against the bound task. Parse and expansion
// failures reject before any repository call.
func (i *Interpreter) Run(ctx context.Context, taskID, raw string) (*Result, error) {
	p, err := parse(raw)
	if err != nil {
		return nil, err
	}

	switch p.verb {
	case "note":
		return i.runNote(ctx, taskID, p)
	case "status":
		return i.runStatus(ctx, taskID, p)
	case "delegate":
		return i.runDelegate(ctx, taskID, p)
	case "context":
		return i.runContext(ctx, taskID, p)
	default:
		return nil, task.InvalidCommandf(raw, "unknown verb %q", p.verb)
	}
}

// runNote appends a comment authored by the task's current role. The
// read-then-act split is explicit: the interpreter reads the role, then
// calls the engine with it.
func (i *Interpreter) runNote(ctx context.Context, taskID string, p *parsed) (*Result, error) {
	message, ok := p.arg(0, "message")
	if !ok || message == "" {
		return nil, task.InvalidCommandf(p.raw, "note requires a message")
	}

	t, err := i.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	role := task.RoleBoomerang
	if t.CurrentRole != nil {
		role = *t.CurrentRole
	}

	c, err := i.engine.AddComment(ctx, taskID, role, message, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "note", Kind: ResultOK, Comment: c}, nil
}

func (i *Interpreter) runStatus(ctx context.Context, taskID string, p *parsed) (*Result, error) {
	token, ok := p.arg(0, "status")
	if !ok || token == "" {
		return nil, task.InvalidCommandf(p.raw, "status requires a status token")
	}
	status, err := i.tables.ExpandStatus(p.raw, token)
	if err != nil {
		return nil, err
	}

	req := lifecycle.UpdateStatusRequest{TaskID: taskID, Status: status}
	if note, ok := p.arg(1, "note"); ok && note != "" {
		req.Note = &note
	}

	res, err := i.engine.UpdateStatus(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "status", Kind: ResultOK, Task: res.Task, Transition: res.Transition, Comment: res.Comment}, nil
}

// runDelegate expands the target role and hands the task off from its
// current role. An optional document reference becomes the comment sub-ref.
func (i *Interpreter) runDelegate(ctx context.Context, taskID string, p *parsed) (*Result, error) {
	roleToken, ok := p.arg(0, "role")
	if !ok || roleToken == "" {
		return nil, task.InvalidCommandf(p.raw, "delegate requires a role token")
	}
	toRole, err := i.tables.ExpandRole(p.raw, roleToken)
	if err != nil {
		return nil, err
	}
	message, _ := p.arg(1, "message")

	var subRef *string
	if docToken, ok := p.arg(2, "docRef"); ok && docToken != "" {
		doc, err := i.tables.ExpandDoc(p.raw, docToken)
		if err != nil {
			return nil, err
		}
		subRef = &doc
	}

	t, err := i.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	fromRole := task.RoleBoomerang
	if t.CurrentRole != nil {
		fromRole = *t.CurrentRole
	}

	rec, err := i.engine.Delegate(ctx, lifecycle.DelegateRequest{
		TaskID:   taskID,
		FromRole: fromRole,
		ToRole:   toRole,
		Message:  message,
		SubRef:   subRef,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Verb: "delegate", Kind: ResultOK, Delegation: rec}, nil
}

// runContext resolves a document token to a snapshot slice. With two
// arguments the first overrides the bound task id; with one the bound task
// is used. A missing task is a not-found outcome, not an error.
func (i *Interpreter) runContext(ctx context.Context, taskID string, p *parsed) (*Result, error) {
	var docToken string
	switch p.argCount() {
	case 1:
		docToken, _ = p.arg(0, "docRef")
	case 2:
		if override, ok := p.arg(0, "taskId"); ok && override != "" {
			taskID = override
		}
		docToken, _ = p.arg(1, "docRef")
	default:
		return nil, task.InvalidCommandf(p.raw, "context requires (taskId, docRef) or (docRef)")
	}
	if docToken == "" {
		return nil, task.InvalidCommandf(p.raw, "context requires a document token")
	}

	doc, err := i.tables.ExpandDoc(p.raw, docToken)
	if err != nil {
		return nil, err
	}
	slice, ok := SliceFor(doc)
	if !ok {
		return nil, task.InvalidCommandf(p.raw, "document %q has no context slice", doc)
	}

	snap, err := i.cache.Get(ctx, taskID, slice)
	if err != nil {
		return nil, err
	}
	kind := ResultOK
	if !snap.Found {
		kind = ResultNotFound
	}
	return &Result{Verb: "context", Kind: kind, Snapshot: snap}, nil
}

// Diff serves getContextDiff through the same shorthand expansion as the
// context verb.
func (i *Interpreter) Diff(ctx context.Context, taskID, docToken, callerDigest string) (*Result, error) {
	doc, err := i.tables.ExpandDoc(docToken, docToken)
	if err != nil {
		return nil, err
	}
	slice, ok := SliceFor(doc)
	if !ok {
		return nil, task.InvalidCommandf(docToken, "document %q has no context slice", doc)
	}

	diff, err := i.cache.GetDiff(ctx, taskID, slice, callerDigest)
	if err != nil {
		return nil, err
	}
	kind := ResultOK
	switch {
	case diff.Unchanged:
		kind = ResultUnchanged
	case !diff.Found:
		kind = ResultNotFound
	}
	return &Result{Verb: "context", Kind: kind, Diff: diff}, nil
}
