package task

import (
	"time"
)

// Status is the lifecycle state of a task. Values are the canonical long
// forms; shorthand codes live in the command layer and never reach storage.
type Status string

const (
	StatusNotStarted   Status = "not-started"
	StatusInProgress   Status = "in-progress"
	StatusNeedsReview  Status = "needs-review"
	StatusNeedsChanges Status = "needs-changes"
	StatusBlocked      Status = "blocked"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// Role is a named participant stage that can own a task.
type Role string

const (
	RoleBoomerang       Role = "boomerang"
	RoleResearcher      Role = "researcher"
	RoleArchitect       Role = "architect"
	RoleSeniorDeveloper Role = "senior-developer"
	RoleCodeReview      Role = "code-review"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusNeedsReview, StatusNeedsChanges,
		StatusBlocked, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ValidRole reports whether r is a known role value.
func ValidRole(r Role) bool {
	switch r {
	case RoleBoomerang, RoleResearcher, RoleArchitect, RoleSeniorDeveloper, RoleCodeReview:
		return true
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TerminalSuccess reports whether s is a terminal status that carries a
// completion time.
func (s Status) TerminalSuccess() bool {
	return s == StatusCompleted
}

// Task is the unit of work handed between roles. TaskID is the stable
// external key and never changes after creation.
type Task struct {
	TaskID            string     `json:"taskId"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Plan              string     `json:"plan,omitempty"`
	Status            Status     `json:"status"`
	CurrentRole       *Role      `json:"currentRole"`
	Priority          string     `json:"priority,omitempty"`
	Owner             string     `json:"owner,omitempty"`
	CreationTime      time.Time  `json:"creationTime"`
	CompletionTime    *time.Time `json:"completionTime"`
	RedelegationCount int        `json:"redelegationCount"`
	GitBranch         *string    `json:"gitBranch"`
}

// DelegationRecord tracks one hand-off attempt between two roles.
// Success is tri-state: nil while pending, then resolved exactly once.
type DelegationRecord struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"taskId"`
	FromRole          Role       `json:"fromRole"`
	ToRole            Role       `json:"toRole"`
	DelegationTime    time.Time  `json:"delegationTime"`
	CompletionTime    *time.Time `json:"completionTime"`
	Success           *bool      `json:"success"`
	RejectionReason   *string    `json:"rejectionReason"`
	RedelegationCount int        `json:"redelegationCount"`
}

// Pending reports whether the delegation has not been resolved yet.
func (d *DelegationRecord) Pending() bool {
	return d.Success == nil
}

// WorkflowTransition is one append-only ledger entry for a role change.
// Immutable once written; the ordered ToRole sequence is the workflow path.
type WorkflowTransition struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	FromRole  *Role     `json:"fromRole"`
	ToRole    Role      `json:"toRole"`
	Timestamp time.Time `json:"timestamp"`
	Reason    *string   `json:"reason"`
}

// Comment is a free-text annotation on a task, tagged with the authoring role.
type Comment struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	SubRef    *string   `json:"subRef"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
