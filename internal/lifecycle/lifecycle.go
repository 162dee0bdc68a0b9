// Package lifecycle owns the task status/role state machine. Every mutation
// goes through one engine operation, which validates its input before any
// repository call, composes the task update and its ledger entries into a
// single atomic change set, and publishes an event after the commit.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/batonworks/baton/internal/bus"
	"github.com/batonworks/baton/internal/task"
)

// Outcome is the result a role reports when finishing its part of a task.
// A rejected outcome loops the task back into the workflow as needs-changes
// rather than terminating it.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
)

type Engine struct {
	repo   task.Repository
	bus    *bus.EventBus
	now    func() time.Time
	newID  func() string
	tracer trace.Tracer
}

// New creates an engine over the repository. The bus may be nil (events are
// then dropped), which the one-shot CLI path uses.
func New(repo task.Repository, eventBus *bus.EventBus) *Engine {
	return &Engine{
		repo:   repo,
		bus:    eventBus,
		now:    time.Now,
		newID:  uuid.NewString,
		tracer: otel.Tracer("lifecycle"),
	}
}

func (e *Engine) startSpan(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("task.id", taskID)))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CreateTaskRequest carries the intake fields. TaskID is the caller-supplied
// stable external key; a duplicate fails with Conflict.
type CreateTaskRequest struct {
	TaskID      string
	Name        string
	Description string
	Plan        string
	Priority    string
	Owner       string
	GitBranch   *string
}

func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (t *task.Task, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.create", req.TaskID)
	defer func() { finishSpan(span, err) }()

	if req.TaskID == "" {
		return nil, task.InvalidArgumentf("task id required")
	}
	if req.Name == "" {
		return nil, task.InvalidArgumentf("task name required")
	}

	t = &task.Task{
		TaskID:       req.TaskID,
		Name:         req.Name,
		Description:  req.Description,
		Plan:         req.Plan,
		Status:       task.StatusNotStarted,
		Priority:     req.Priority,
		Owner:        req.Owner,
		CreationTime: e.now().UTC(),
		GitBranch:    req.GitBranch,
	}
	if err = e.repo.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	e.publish(bus.TaskEvent{Kind: bus.EventTaskCreated, TaskID: t.TaskID, Status: t.Status, Timestamp: e.now()})
	return t, nil
}

// UpdateStatusRequest is the explicit optional-field payload for UpdateStatus.
// Pointer fields are applied only when non-nil, so presence or absence of
// every field is a compile-time decision.
type UpdateStatusRequest struct {
	TaskID         string
	Status         task.Status
	Role           *task.Role
	Note           *string
	Priority       *string
	Owner          *string
	CompletionTime *time.Time
}

// UpdateStatusResult is the updated task plus the ledger entries the call
// produced, if any.
type UpdateStatusResult struct {
	Task       *task.Task
	Transition *task.WorkflowTransition
	Comment    *task.Comment
}

func (e *Engine) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (res *UpdateStatusResult, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.update_status", req.TaskID)
	defer func() { finishSpan(span, err) }()

	if !task.ValidStatus(req.Status) {
		return nil, task.InvalidArgumentf("unknown status %q", req.Status)
	}
	if req.Role != nil && !task.ValidRole(*req.Role) {
		return nil, task.InvalidArgumentf("unknown role %q", *req.Role)
	}

	t, err := e.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	set := &task.ChangeSet{Task: t}

	var transition *task.WorkflowTransition
	if req.Role != nil && (t.CurrentRole == nil || *t.CurrentRole != *req.Role) {
		transition = &task.WorkflowTransition{
			TaskID:    t.TaskID,
			FromRole:  t.CurrentRole,
			ToRole:    *req.Role,
			Timestamp: now,
			Reason:    req.Note,
		}
		set.Transition = transition
	}
	if req.Role != nil {
		t.CurrentRole = req.Role
	}

	t.Status = req.Status
	// completionTime tracks terminal-success status exactly: set on entry
	// (supplied or now), cleared everywhere else.
	switch {
	case req.Status.TerminalSuccess() && req.CompletionTime != nil:
		ct := req.CompletionTime.UTC()
		t.CompletionTime = &ct
	case req.Status.TerminalSuccess():
		t.CompletionTime = &now
	default:
		t.CompletionTime = nil
	}

	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.Owner != nil {
		t.Owner = *req.Owner
	}

	var comment *task.Comment
	if req.Note != nil && *req.Note != "" {
		comment = &task.Comment{
			TaskID:    t.TaskID,
			Role:      commentRole(req.Role, t.CurrentRole),
			Text:      *req.Note,
			CreatedAt: now,
		}
		set.Comment = comment
	}

	if err = e.repo.Apply(ctx, set); err != nil {
		return nil, err
	}

	e.publish(bus.TaskEvent{Kind: bus.EventStatusChanged, TaskID: t.TaskID, Status: t.Status, Comment: comment, Timestamp: now})
	if transition != nil {
		e.publish(bus.TaskEvent{Kind: bus.EventRoleTransition, TaskID: t.TaskID, Status: t.Status, Transition: transition, Timestamp: now})
	}
	if t.Status.Terminal() {
		e.publish(bus.TaskEvent{Kind: bus.EventTaskCompleted, TaskID: t.TaskID, Status: t.Status, Timestamp: now})
	}
	return &UpdateStatusResult{Task: t, Transition: transition, Comment: comment}, nil
}

// commentRole picks the authoring role for a system note: the role supplied
// with the call, else the task's current role, else the coordinator.
func commentRole(requested, current *task.Role) task.Role {
	if requested != nil {
		return *requested
	}
	if current != nil {
		return *current
	}
	return task.RoleBoomerang
}

// DelegateRequest hands a task from one role to another. FromRole is an
// explicit argument, never an ambient lookup: the caller already holds it
// from its prior read.
type DelegateRequest struct {
	TaskID   string
	FromRole task.Role
	ToRole   task.Role
	Message  string
	SubRef   *string
}

// Delegate moves ownership to ToRole and opens a pending DelegationRecord.
// Status is untouched; resolution happens later via ResolveDelegation.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (rec *task.DelegationRecord, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.delegate", req.TaskID)
	defer func() { finishSpan(span, err) }()

	if !task.ValidRole(req.FromRole) {
		return nil, task.InvalidArgumentf("unknown role %q", req.FromRole)
	}
	if !task.ValidRole(req.ToRole) {
		return nil, task.InvalidArgumentf("unknown role %q", req.ToRole)
	}
	if req.FromRole == req.ToRole {
		return nil, task.InvalidArgumentf("cannot delegate from %q to itself", req.FromRole)
	}

	t, err := e.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	toRole := req.ToRole
	t.CurrentRole = &toRole

	rec = &task.DelegationRecord{
		ID:                e.newID(),
		TaskID:            t.TaskID,
		FromRole:          req.FromRole,
		ToRole:            req.ToRole,
		DelegationTime:    now,
		RedelegationCount: t.RedelegationCount,
	}
	set := &task.ChangeSet{Task: t, NewDelegation: rec}

	if req.Message != "" {
		set.Comment = &task.Comment{
			TaskID:    t.TaskID,
			SubRef:    req.SubRef,
			Role:      req.FromRole,
			Text:      req.Message,
			CreatedAt: now,
		}
	}

	if err = e.repo.Apply(ctx, set); err != nil {
		return nil, err
	}
	e.publish(bus.TaskEvent{Kind: bus.EventDelegationCreated, TaskID: t.TaskID, Status: t.Status, Delegation: rec, Comment: set.Comment, Timestamp: now})
	return rec, nil
}

// ResolveDelegation resolves a pending delegation exactly once. A second
// attempt fails with NotFound and the redelegation count is never
// double-applied; the conditional update in the store enforces this.
func (e *Engine) ResolveDelegation(ctx context.Context, delegationID string, success bool, rejectionReason *string) (rec *task.DelegationRecord, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.resolve_delegation", "")
	defer func() { finishSpan(span, err) }()

	if delegationID == "" {
		return nil, task.InvalidArgumentf("delegation id required")
	}

	now := e.now().UTC()
	set := &task.ChangeSet{
		Resolution: &task.DelegationResolution{
			DelegationID:    delegationID,
			Success:         success,
			RejectionReason: rejectionReason,
			CompletionTime:  now,
		},
	}
	if err = e.repo.Apply(ctx, set); err != nil {
		return nil, err
	}

	rec, err = e.repo.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	e.publish(bus.TaskEvent{Kind: bus.EventDelegationResolved, TaskID: rec.TaskID, Delegation: rec, Timestamp: now})
	return rec, nil
}

// CompleteTaskRequest reports a role's outcome for a task.
type CompleteTaskRequest struct {
	TaskID            string
	Role              task.Role
	Outcome           Outcome
	Notes             *string
	CompletionSummary *string
}

// CompleteTask finishes (or rejects) a role's pass over the task. A rejected
// outcome maps to needs-changes so the task loops back into the workflow.
func (e *Engine) CompleteTask(ctx context.Context, req CompleteTaskRequest) (t *task.Task, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.complete", req.TaskID)
	defer func() { finishSpan(span, err) }()

	if !task.ValidRole(req.Role) {
		return nil, task.InvalidArgumentf("unknown role %q", req.Role)
	}
	var status task.Status
	switch req.Outcome {
	case OutcomeCompleted:
		status = task.StatusCompleted
	case OutcomeRejected:
		status = task.StatusNeedsChanges
	default:
		return nil, task.InvalidArgumentf("unknown outcome %q", req.Outcome)
	}

	t, err = e.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	t.Status = status
	if status.TerminalSuccess() {
		t.CompletionTime = &now
	} else {
		t.CompletionTime = nil
	}

	text := completionText(req)
	comment := &task.Comment{
		TaskID:    t.TaskID,
		Role:      req.Role,
		Text:      text,
		CreatedAt: now,
	}
	if err = e.repo.Apply(ctx, &task.ChangeSet{Task: t, Comment: comment}); err != nil {
		return nil, err
	}

	kind := bus.EventStatusChanged
	if t.Status.Terminal() {
		kind = bus.EventTaskCompleted
	}
	e.publish(bus.TaskEvent{Kind: kind, TaskID: t.TaskID, Status: t.Status, Comment: comment, Timestamp: now})
	return t, nil
}

func completionText(req CompleteTaskRequest) string {
	switch {
	case req.CompletionSummary != nil && *req.CompletionSummary != "":
		return *req.CompletionSummary
	case req.Notes != nil && *req.Notes != "":
		return *req.Notes
	case req.Outcome == OutcomeRejected:
		return "rejected by " + string(req.Role)
	default:
		return "completed by " + string(req.Role)
	}
}

// AddComment appends a free-text annotation without touching status or role.
// The authoring role is an explicit argument; the command layer resolves it
// from its own prior read of the task.
func (e *Engine) AddComment(ctx context.Context, taskID string, role task.Role, text string, subRef *string) (c *task.Comment, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.add_comment", taskID)
	defer func() { finishSpan(span, err) }()

	if !task.ValidRole(role) {
		return nil, task.InvalidArgumentf("unknown role %q", role)
	}
	if text == "" {
		return nil, task.InvalidArgumentf("comment text required")
	}

	t, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	c = &task.Comment{
		TaskID:    t.TaskID,
		SubRef:    subRef,
		Role:      role,
		Text:      text,
		CreatedAt: now,
	}
	if err = e.repo.Apply(ctx, &task.ChangeSet{Comment: c}); err != nil {
		return nil, err
	}
	e.publish(bus.TaskEvent{Kind: bus.EventCommentAdded, TaskID: t.TaskID, Status: t.Status, Comment: c, Timestamp: now})
	return c, nil
}

// Resume lifts a blocked or paused task back to in-progress. Any other
// status is a no-op returning current state, so repeated calls are safe.
func (e *Engine) Resume(ctx context.Context, taskID string) (t *task.Task, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.resume", taskID)
	defer func() { finishSpan(span, err) }()

	t, err = e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusBlocked && t.Status != task.StatusPaused {
		return t, nil
	}

	now := e.now().UTC()
	t.Status = task.StatusInProgress
	t.CompletionTime = nil
	if err = e.repo.Apply(ctx, &task.ChangeSet{Task: t}); err != nil {
		return nil, err
	}
	e.publish(bus.TaskEvent{Kind: bus.EventStatusChanged, TaskID: t.TaskID, Status: t.Status, Timestamp: now})
	return t, nil
}

func (e *Engine) publish(ev bus.TaskEvent) {
	e.bus.Publish(ev)
}
