package bus

import (
	"log"
	"time"

	"github.com/batonworks/baton/internal/task"
)

// EventKind labels what a TaskEvent describes.
type EventKind string

const (
	EventStatusChanged      EventKind = "status-changed"
	EventRoleTransition     EventKind = "role-transition"
	EventDelegationCreated  EventKind = "delegation-created"
	EventDelegationResolved EventKind = "delegation-resolved"
	EventCommentAdded       EventKind = "comment-added"
	EventTaskCreated        EventKind = "task-created"
	EventTaskCompleted      EventKind = "task-completed"
)

// TaskEvent is published by the lifecycle engine after a mutation commits.
// Consumers must never mutate the embedded records.
type TaskEvent struct {
	Kind       EventKind                `json:"kind"`
	TaskID     string                   `json:"taskId"`
	Status     task.Status              `json:"status,omitempty"`
	Transition *task.WorkflowTransition `json:"transition,omitempty"`
	Delegation *task.DelegationRecord   `json:"delegation,omitempty"`
	Comment    *task.Comment            `json:"comment,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

// EventBus is a single buffered fan-in channel. Publish never blocks the
// mutating path: when the buffer is full the event is dropped and logged.
type EventBus struct {
	Events chan TaskEvent
}

func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &EventBus{Events: make(chan TaskEvent, bufSize)}
}

func (b *EventBus) Publish(ev TaskEvent) {
	if b == nil {
		return
	}
	select {
	case b.Events <- ev:
	default:
		log.Printf("[bus] dropped event %s for task %s (buffer full)", ev.Kind, ev.TaskID)
	}
}
