package task

import (
	"context"
	"time"
)

// ChangeSet is the atomic unit of one lifecycle operation: a task row write
// plus the ledger entries it produced. A repository must commit the whole set
// in a single transaction or none of it.
type ChangeSet struct {
	Task          *Task
	Transition    *WorkflowTransition
	Comment       *Comment
	NewDelegation *DelegationRecord
	Resolution    *DelegationResolution
}

// DelegationResolution resolves a pending DelegationRecord in place.
// When Success is false the owning task's redelegation count is incremented
// in the same transaction.
type DelegationResolution struct {
	DelegationID    string
	Success         bool
	RejectionReason *string
	CompletionTime  time.Time
}

// Repository is the durable store for tasks and their ledger. Implementations
// must be safe for concurrent use; ordering across independent operations is
// last-write-wins (callers wanting stricter serialization lock externally).
type Repository interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetDelegation(ctx context.Context, delegationID string) (*DelegationRecord, error)

	// ListComments, ListDelegations and ListTransitions return the most
	// recent entries first, capped at limit (0 means no cap).
	ListComments(ctx context.Context, taskID string, limit int) ([]Comment, error)
	ListDelegations(ctx context.Context, taskID string, limit int) ([]DelegationRecord, error)
	ListTransitions(ctx context.Context, taskID string, limit int) ([]WorkflowTransition, error)

	// ListStalePending returns unresolved delegations created before the
	// cutoff, oldest first. Used for operational reporting only.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]DelegationRecord, error)

	// Apply commits the change set atomically. A Resolution targeting an
	// absent or already-resolved delegation fails with ErrNotFound and
	// nothing is written.
	Apply(ctx context.Context, set *ChangeSet) error

	Close() error
}
