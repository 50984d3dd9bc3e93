package store

import (
	"context"

	"github.com/me/comfyrun/pkg/model"
)

// Store defines the persistence layer for the job ledger.
type Store interface {
	// Job records
	CreateJob(ctx context.Context, job *model.JobRecord) error
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobRecord, int, error)
	UpdateJob(ctx context.Context, job *model.JobRecord) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
