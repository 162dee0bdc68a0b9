package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/batonworks/baton/internal/task"
)

// Slice names a bounded projection of a task's full state.
type Slice string

const (
	SliceFull        Slice = "FULL"
	SliceStatus      Slice = "STATUS"
	SliceDescription Slice = "DESCRIPTION"
	SlicePlan        Slice = "PLAN"
	SliceSubtasks    Slice = "SUBTASKS"
	SliceComments    Slice = "COMMENTS"
	SliceDelegations Slice = "DELEGATIONS"
	SliceTransitions Slice = "TRANSITIONS"
)

// Document slices project the comments attached to one external document
// reference. The engine never stores the documents themselves, only the
// sub-ref'd annotations around them.
const (
	SliceResearchReport     Slice = "research-report"
	SliceCodeReviewDocument Slice = "code-review-document"
	SliceCompletionReport   Slice = "completion-report"
)

// ValidSlice reports whether s names a known slice.
func ValidSlice(s Slice) bool {
	switch s {
	case SliceFull, SliceStatus, SliceDescription, SlicePlan, SliceSubtasks,
		SliceComments, SliceDelegations, SliceTransitions,
		SliceResearchReport, SliceCodeReviewDocument, SliceCompletionReport:
		return true
	}
	return false
}

func documentSlice(s Slice) bool {
	switch s {
	case SliceResearchReport, SliceCodeReviewDocument, SliceCompletionReport:
		return true
	}
	return false
}

// Limits bounds the ledger portions of a snapshot to the most recent N
// entries so projections stay small regardless of task history length.
type Limits struct {
	Comments    int
	Delegations int
	Transitions int
}

// DefaultLimits matches the bounds used by the serving configuration.
var DefaultLimits = Limits{Comments: 20, Delegations: 10, Transitions: 25}

// Snapshot is a canonical projection of a task slice. Fields holds the
// slice's field set keyed by canonical field name; values are the JSON-level
// representations produced by Canonical.
type Snapshot struct {
	TaskID      string         `json:"taskId"`
	Slice       Slice          `json:"slice"`
	Found       bool           `json:"found"`
	Fields      map[string]any `json:"fields"`
	Digest      string         `json:"digest"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Snapshotter projects tasks into canonical, hashable slices. It only reads;
// all writes stay in the lifecycle engine.
type Snapshotter struct {
	repo   task.Repository
	limits Limits
	now    func() time.Time
}

func New(repo task.Repository, limits Limits) *Snapshotter {
	if limits.Comments <= 0 {
		limits.Comments = DefaultLimits.Comments
	}
	if limits.Delegations <= 0 {
		limits.Delegations = DefaultLimits.Delegations
	}
	if limits.Transitions <= 0 {
		limits.Transitions = DefaultLimits.Transitions
	}
	return &Snapshotter{repo: repo, limits: limits, now: time.Now}
}

// Take builds the snapshot for one (task, slice) pair. A missing task yields
// a Found=false snapshot rather than an error so change-detection callers can
// branch without exception handling; repository faults still surface.
func (s *Snapshotter) Take(ctx context.Context, taskID string, slice Slice) (*Snapshot, error) {
	if !ValidSlice(slice) {
		return nil, task.InvalidArgumentf("unknown slice %q", slice)
	}

	t, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		snap := &Snapshot{
			TaskID:      taskID,
			Slice:       slice,
			Found:       false,
			Fields:      map[string]any{},
			GeneratedAt: s.now().UTC(),
		}
		snap.Digest, err = Digest(snap)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	fields, err := s.project(ctx, t, slice)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		TaskID:      taskID,
		Slice:       slice,
		Found:       true,
		Fields:      fields,
		GeneratedAt: s.now().UTC(),
	}
	snap.Digest, err = Digest(snap)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Snapshotter) project(ctx context.Context, t *task.Task, slice Slice) (map[string]any, error) {
	fields := map[string]any{}

	switch slice {
	case SliceStatus:
		fields["status"] = string(t.Status)
		fields["currentRole"] = canonicalRolePtr(t.CurrentRole)
		fields["completionTime"] = canonicalTimePtr(t.CompletionTime)
		fields["redelegationCount"] = t.RedelegationCount
	case SliceDescription:
		fields["name"] = t.Name
		fields["description"] = t.Description
	case SlicePlan:
		fields["plan"] = t.Plan
	case SliceSubtasks:
		// Sub-items live behind sub-refs on comments; the slice exposes the
		// distinct refs so collaborators can fetch their own documents.
		comments, err := s.repo.ListComments(ctx, t.TaskID, 0)
		if err != nil {
			return nil, err
		}
		fields["subRefs"] = distinctSubRefs(comments)
	case SliceComments:
		comments, err := s.repo.ListComments(ctx, t.TaskID, s.limits.Comments)
		if err != nil {
			return nil, err
		}
		fields["comments"] = canonicalComments(comments)
	case SliceDelegations:
		delegations, err := s.repo.ListDelegations(ctx, t.TaskID, s.limits.Delegations)
		if err != nil {
			return nil, err
		}
		fields["delegations"] = canonicalDelegations(delegations)
	case SliceTransitions:
		transitions, err := s.repo.ListTransitions(ctx, t.TaskID, s.limits.Transitions)
		if err != nil {
			return nil, err
		}
		fields["transitions"] = canonicalTransitions(transitions)
		fields["workflowPath"] = workflowPath(transitions)
	case SliceFull:
		fields["name"] = t.Name
		fields["description"] = t.Description
		fields["plan"] = t.Plan
		fields["status"] = string(t.Status)
		fields["currentRole"] = canonicalRolePtr(t.CurrentRole)
		fields["priority"] = t.Priority
		fields["owner"] = t.Owner
		fields["creationTime"] = canonicalTime(t.CreationTime)
		fields["completionTime"] = canonicalTimePtr(t.CompletionTime)
		fields["redelegationCount"] = t.RedelegationCount
		fields["gitBranch"] = canonicalStrPtr(t.GitBranch)

		comments, err := s.repo.ListComments(ctx, t.TaskID, s.limits.Comments)
		if err != nil {
			return nil, err
		}
		fields["comments"] = canonicalComments(comments)

		delegations, err := s.repo.ListDelegations(ctx, t.TaskID, s.limits.Delegations)
		if err != nil {
			return nil, err
		}
		fields["delegations"] = canonicalDelegations(delegations)

		transitions, err := s.repo.ListTransitions(ctx, t.TaskID, s.limits.Transitions)
		if err != nil {
			return nil, err
		}
		fields["workflowPath"] = workflowPath(transitions)
	default:
		if !documentSlice(slice) {
			return nil, task.InvalidArgumentf("unknown slice %q", slice)
		}
		comments, err := s.repo.ListComments(ctx, t.TaskID, 0)
		if err != nil {
			return nil, err
		}
		fields["document"] = string(slice)
		fields["comments"] = canonicalComments(filterBySubRef(comments, string(slice), s.limits.Comments))
	}

	return fields, nil
}

// filterBySubRef keeps the most recent limit comments tagged with the given
// sub-ref. Input arrives newest-first from the repository.
func filterBySubRef(comments []task.Comment, subRef string, limit int) []task.Comment {
	var out []task.Comment
	for _, c := range comments {
		if c.SubRef != nil && *c.SubRef == subRef {
			out = append(out, c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// canonicalTime fixes the timestamp format used everywhere in canonical
// serialization. UTC RFC3339Nano keeps digests stable across restarts and
// timezones.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func canonicalTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return canonicalTime(*t)
}

func canonicalRolePtr(r *task.Role) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func canonicalStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func canonicalBoolPtr(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// Ledger entries are canonicalized oldest-first so that appends change only
// the tail of the serialized form.
func canonicalComments(comments []task.Comment) []map[string]any {
	out := make([]map[string]any, 0, len(comments))
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		out = append(out, map[string]any{
			"role":      string(c.Role),
			"subRef":    canonicalStrPtr(c.SubRef),
			"text":      c.Text,
			"createdAt": canonicalTime(c.CreatedAt),
		})
	}
	return out
}

func canonicalDelegations(delegations []task.DelegationRecord) []map[string]any {
	out := make([]map[string]any, 0, len(delegations))
	for i := len(delegations) - 1; i >= 0; i-- {
		d := delegations[i]
		out = append(out, map[string]any{
			"id":              d.ID,
			"fromRole":        string(d.FromRole),
			"toRole":          string(d.ToRole),
			"delegationTime":  canonicalTime(d.DelegationTime),
			"completionTime":  canonicalTimePtr(d.CompletionTime),
			"success":         canonicalBoolPtr(d.Success),
			"rejectionReason": canonicalStrPtr(d.RejectionReason),
		})
	}
	return out
}

func canonicalTransitions(transitions []task.WorkflowTransition) []map[string]any {
	out := make([]map[string]any, 0, len(transitions))
	for i := len(transitions) - 1; i >= 0; i-- {
		tr := transitions[i]
		out = append(out, map[string]any{
			"fromRole":  canonicalRolePtr(tr.FromRole),
			"toRole":    string(tr.ToRole),
			"timestamp": canonicalTime(tr.Timestamp),
			"reason":    canonicalStrPtr(tr.Reason),
		})
	}
	return out
}

func workflowPath(transitions []task.WorkflowTransition) []string {
	path := make([]string, 0, len(transitions))
	for i := len(transitions) - 1; i >= 0; i-- {
		path = append(path, string(transitions[i].ToRole))
	}
	return path
}

func distinctSubRefs(comments []task.Comment) []string {
	seen := map[string]bool{}
	refs := []string{}
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if c.SubRef == nil || seen[*c.SubRef] {
			continue
		}
		seen[*c.SubRef] = true
		refs = append(refs, *c.SubRef)
	}
	return refs
}

// Canonical serializes the hashed portion of a snapshot: task id, slice,
// found flag, and the field set with stable key order (encoding/json sorts
// map keys). GeneratedAt and Digest are excluded so two snapshots of the
// same data are byte-identical no matter when they were taken.
func Canonical(snap *Snapshot) ([]byte, error) {
	payload := struct {
		TaskID string         `json:"taskId"`
		Slice  Slice          `json:"slice"`
		Found  bool           `json:"found"`
		Fields map[string]any `json:"fields"`
	}{snap.TaskID, snap.Slice, snap.Found, snap.Fields}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonical serialize: %w", err)
	}
	return data, nil
}
