// Package tasks provides the per-user task list the voice assistant mentions
// in its instructions.
package tasks

import (
	"context"

	"github.com/vango-go/vai-assist/pkg/core/types"
)

// Lister returns the tasks owned by a user, oldest first.
type Lister interface {
	ListTasks(ctx context.Context, userID string) ([]types.Task, error)
}

// Store is a Lister that can also create and update tasks.
type Store interface {
	Lister
	AddTask(ctx context.Context, userID, title string) (types.Task, error)
	SetStatus(ctx context.Context, userID string, id int64, status string) (types.Task, error)
}

// Nop is used when no task backend is configured.
type Nop struct{}

func (Nop) ListTasks(context.Context, string) ([]types.Task, error) {
	return []types.Task{}, nil
}

// Pending filters out completed tasks, keeping order.
func Pending(list []types.Task) []types.Task {
	out := make([]types.Task, 0, len(list))
	for _, t := range list {
		if t.Pending() {
			out = append(out, t)
		}
	}
	return out
}
