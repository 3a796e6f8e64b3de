// Package store defines the Storage port: the abstract persistence
// surface used by the Compilation Pipeline, the Pipeline Lifecycle
// Automaton and the API façade. All mutating methods that touch a
// versioned entity take an expectedVersion, and the write is rejected
// with a conflict error unless the row's current version matches it, giving every caller optimistic concurrency without
// holding a lock across a reconcile iteration.
package store

import (
	"context"
	"errors"

	"github.com/flowctl/flowctl/internal/domain"
)

// ErrNotFound is returned when a lookup by ID or name finds no row.
var ErrNotFound = errors.New("not found")

// Storage is the full persistence port. PostgresStore is the only
// production implementation; tests may supply an in-memory fake.
type Storage interface {
	Close() error
	Ping(ctx context.Context) error

	// Tenants
	CreateTenant(ctx context.Context, t *domain.Tenant) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)

	// Programs. UpdateProgram is CAS-guarded: pass the version read
	// alongside prog, and the write only applies if it still matches
	// the stored version.
	CreateProgram(ctx context.Context, p *domain.Program) error
	GetProgram(ctx context.Context, id string) (*domain.Program, error)
	GetProgramByName(ctx context.Context, tenantID, name string) (*domain.Program, error)
	ListPrograms(ctx context.Context, tenantID string) ([]*domain.Program, error)
	UpdateProgram(ctx context.Context, p *domain.Program, expectedVersion int64) error
	DeleteProgram(ctx context.Context, id string) error

	// NextPendingProgram atomically claims the oldest Program in
	// ProgramPending status by moving it to ProgramCompilingSql and
	// returning the claimed row, or (nil, nil) if none are pending.
	// Implementations must make the claim atomic across concurrent
	// reconciler replicas (e.g. `UPDATE ... WHERE id = (SELECT ...
	// FOR UPDATE SKIP LOCKED)`).
	NextPendingProgram(ctx context.Context) (*domain.Program, error)

	// Pipelines. UpdatePipeline is CAS-guarded the same way as
	// UpdateProgram.
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	GetPipelineByName(ctx context.Context, tenantID, name string) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context, tenantID string) ([]*domain.Pipeline, error)
	ListPipelinesNotConverged(ctx context.Context) ([]*domain.Pipeline, error)
	// ListPipelinesByDeploymentStatus returns pipelines currently in any
	// of the given statuses, for health-probing steady-state workers
	// that ListPipelinesNotConverged excludes.
	ListPipelinesByDeploymentStatus(ctx context.Context, statuses []domain.DeploymentStatus) ([]*domain.Pipeline, error)
	UpdatePipeline(ctx context.Context, p *domain.Pipeline, expectedVersion int64) error
	DeletePipeline(ctx context.Context, id string) error

	// BinaryRefs
	CreateBinaryRef(ctx context.Context, b *domain.BinaryRef) error
	GetBinaryRef(ctx context.Context, id string) (*domain.BinaryRef, error)
	GetLatestBinaryRef(ctx context.Context, programID string) (*domain.BinaryRef, error)
	ListBinaryRefs(ctx context.Context, programID string) ([]*domain.BinaryRef, error)
	DeleteBinaryRef(ctx context.Context, id string) error
	// ListOrphanedBinaryRefs returns BinaryRefs whose program has since
	// moved past the version they were built from, candidates for the
	// garbage-collection sweeper.
	ListOrphanedBinaryRefs(ctx context.Context) ([]*domain.BinaryRef, error)

	// API keys
	CreateAPIKey(ctx context.Context, k *domain.ApiKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.ApiKey, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]*domain.ApiKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
}
