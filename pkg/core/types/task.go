package types

import (
	"strings"
	"time"
)

// Task statuses understood by the instruction builder. Anything else is
// treated as pending.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusDone      = "done"
)

// Task is a to-do item owned by an identity.
type Task struct {
	ID        int64     `json:"id,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Pending reports whether the task still needs attention.
func (t Task) Pending() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case TaskStatusCompleted, TaskStatusDone:
		return false
	default:
		return true
	}
}
