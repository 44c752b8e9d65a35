// Package store is the thin adapter over the external task persistence
// collaborator. The core consumes this interface; terminal tasks stay
// queryable here after the scheduler evicts them from its working set.
package store

import (
	"context"

	"github.com/conductorlabs/conductor/internal/models"
)

// ListFilter narrows ListTasks results. Zero values match everything.
type ListFilter struct {
	State        string
	BackendClass string
	WorkflowID   string
	Limit        int
}

// Store persists task records.
type Store interface {
	SaveTask(ctx context.Context, task *models.Task) error
	LoadTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]*models.Task, error)
}
