package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowctl/flowctl/internal/domain"
)

// PostgresStore is the production Storage port implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgx pool against dsn, verifies connectivity
// and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS programs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			profile TEXT NOT NULL DEFAULT 'optimized',
			schema TEXT NOT NULL DEFAULT '',
			info TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			status_since TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_programs_status ON programs(status)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			runtime_config JSONB NOT NULL DEFAULT '{}',
			version BIGINT NOT NULL DEFAULT 1,
			deployment_status TEXT NOT NULL DEFAULT 'shutdown',
			desired_status TEXT NOT NULL DEFAULT 'shutdown',
			deployment_status_since TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deployment_location TEXT NOT NULL DEFAULT '',
			deployment_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_not_converged ON pipelines(deployment_status, desired_status) WHERE deployment_status <> desired_status`,
		`CREATE TABLE IF NOT EXISTS binary_refs (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
			program_version BIGINT NOT NULL,
			url TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_binary_refs_program ON binary_refs(program_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			permissions TEXT NOT NULL DEFAULT 'read',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, name)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ─── Tenants ────────────────────────────────────────────────────────────

func (s *PostgresStore) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, version, created_at, updated_at) VALUES ($1, $2, 1, NOW(), NOW())`,
		t.ID, t.Name)
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.scanTenant(s.pool.QueryRow(ctx,
		`SELECT id, name, version, created_at, updated_at FROM tenants WHERE id = $1`, id))
}

func (s *PostgresStore) GetTenantByName(ctx context.Context, name string) (*domain.Tenant, error) {
	return s.scanTenant(s.pool.QueryRow(ctx,
		`SELECT id, name, version, created_at, updated_at FROM tenants WHERE name = $1`, name))
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, version, created_at, updated_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanTenant(row rowScanner) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ─── Programs ───────────────────────────────────────────────────────────

func (s *PostgresStore) CreateProgram(ctx context.Context, p *domain.Program) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO programs (id, tenant_id, name, description, code, profile, status, status_since, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), 1, NOW(), NOW())`,
		p.ID, p.TenantID, p.Name, p.Description, p.Code, p.Config.Profile, p.Status)
	return err
}

const programSelectCols = `id, tenant_id, name, description, code, profile, schema, info, status, status_since, version, created_at, updated_at`

func (s *PostgresStore) GetProgram(ctx context.Context, id string) (*domain.Program, error) {
	return s.scanProgram(s.pool.QueryRow(ctx, `SELECT `+programSelectCols+` FROM programs WHERE id = $1`, id))
}

func (s *PostgresStore) GetProgramByName(ctx context.Context, tenantID, name string) (*domain.Program, error) {
	return s.scanProgram(s.pool.QueryRow(ctx, `SELECT `+programSelectCols+` FROM programs WHERE tenant_id = $1 AND name = $2`, tenantID, name))
}

func (s *PostgresStore) ListPrograms(ctx context.Context, tenantID string) ([]*domain.Program, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+programSelectCols+` FROM programs WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Program
	for rows.Next() {
		p, err := s.scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProgram writes back every mutable field of p, succeeding only if
// the row's current version still equals expectedVersion; on success the
// row's version is bumped by one and p.Version is updated in place.
func (s *PostgresStore) UpdateProgram(ctx context.Context, p *domain.Program, expectedVersion int64) error {
	var newVersion int64
	err := s.pool.QueryRow(ctx,
		`UPDATE programs SET description = $1, code = $2, profile = $3, schema = $4, info = $5,
		   status = $6, status_since = $7, version = version + 1, updated_at = NOW()
		 WHERE id = $8 AND version = $9
		 RETURNING version`,
		p.Description, p.Code, p.Config.Profile, p.Schema, p.Info, p.Status, p.StatusSince, p.ID, expectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetProgram(ctx, p.ID)
		if getErr != nil {
			return getErr
		}
		return domain.NewConflictError("program", p.ID, expectedVersion, current.Version)
	}
	if err != nil {
		return err
	}
	p.Version = newVersion
	return nil
}

func (s *PostgresStore) DeleteProgram(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM programs WHERE id = $1`, id)
	return err
}

// NextPendingProgram claims the oldest pending program with a
// SKIP LOCKED select so multiple reconciler replicas never race for the
// same row.
func (s *PostgresStore) NextPendingProgram(ctx context.Context) (*domain.Program, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+programSelectCols+` FROM programs
		WHERE status = $1 ORDER BY status_since ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, domain.ProgramPending)
	p, err := s.scanProgram(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.Status = domain.ProgramCompilingSQL
	p.StatusSince = time.Now()
	var newVersion int64
	if err := tx.QueryRow(ctx,
		`UPDATE programs SET status = $1, status_since = $2, version = version + 1, updated_at = NOW()
		 WHERE id = $3 RETURNING version`,
		p.Status, p.StatusSince, p.ID).Scan(&newVersion); err != nil {
		return nil, err
	}
	p.Version = newVersion

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) scanProgram(row rowScanner) (*domain.Program, error) {
	var p domain.Program
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Code, &p.Config.Profile,
		&p.Schema, &p.Info, &p.Status, &p.StatusSince, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ─── Pipelines ──────────────────────────────────────────────────────────

const pipelineSelectCols = `id, tenant_id, program_id, name, description, runtime_config, version,
	deployment_status, desired_status, deployment_status_since, deployment_location, deployment_error,
	created_at, updated_at`

func (s *PostgresStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	cfg, err := marshalRuntimeConfig(p.RuntimeConfig)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipelines (id, tenant_id, program_id, name, description, runtime_config, version,
		   deployment_status, desired_status, deployment_status_since, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, NOW(), NOW(), NOW())`,
		p.ID, p.TenantID, p.ProgramID, p.Name, p.Description, cfg, p.DeploymentStatus, p.DesiredStatus)
	return err
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	return s.scanPipeline(s.pool.QueryRow(ctx, `SELECT `+pipelineSelectCols+` FROM pipelines WHERE id = $1`, id))
}

func (s *PostgresStore) GetPipelineByName(ctx context.Context, tenantID, name string) (*domain.Pipeline, error) {
	return s.scanPipeline(s.pool.QueryRow(ctx, `SELECT `+pipelineSelectCols+` FROM pipelines WHERE tenant_id = $1 AND name = $2`, tenantID, name))
}

func (s *PostgresStore) ListPipelines(ctx context.Context, tenantID string) ([]*domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pipelineSelectCols+` FROM pipelines WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanPipelines(rows)
}

// ListPipelinesNotConverged returns every pipeline whose deployment_status
// has not yet reached its desired_status, the automaton's work queue.
func (s *PostgresStore) ListPipelinesNotConverged(ctx context.Context) ([]*domain.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineSelectCols+` FROM pipelines WHERE
		   (desired_status = 'shutdown' AND deployment_status <> 'shutdown') OR
		   (desired_status = 'running' AND deployment_status NOT IN ('running')) OR
		   (desired_status = 'paused' AND deployment_status NOT IN ('paused')) OR
		   deployment_status IN ('provisioning', 'initializing', 'shutting_down')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanPipelines(rows)
}

// ListPipelinesByDeploymentStatus returns every pipeline currently in
// one of the given deployment statuses, used by the automaton's health
// probe pass to re-check steady-state (Running/Paused) workers that
// ListPipelinesNotConverged already excludes.
func (s *PostgresStore) ListPipelinesByDeploymentStatus(ctx context.Context, statuses []domain.DeploymentStatus) ([]*domain.Pipeline, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	codes := make([]string, len(statuses))
	for i, st := range statuses {
		codes[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineSelectCols+` FROM pipelines WHERE deployment_status = ANY($1)`,
		codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanPipelines(rows)
}

func (s *PostgresStore) scanPipelines(rows pgx.Rows) ([]*domain.Pipeline, error) {
	var out []*domain.Pipeline
	for rows.Next() {
		p, err := s.scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePipeline is CAS-guarded exactly like UpdateProgram.
func (s *PostgresStore) UpdatePipeline(ctx context.Context, p *domain.Pipeline, expectedVersion int64) error {
	cfg, err := marshalRuntimeConfig(p.RuntimeConfig)
	if err != nil {
		return err
	}
	var newVersion int64
	err = s.pool.QueryRow(ctx,
		`UPDATE pipelines SET description = $1, runtime_config = $2, deployment_status = $3, desired_status = $4,
		   deployment_status_since = $5, deployment_location = $6, deployment_error = $7,
		   version = version + 1, updated_at = NOW()
		 WHERE id = $8 AND version = $9
		 RETURNING version`,
		p.Description, cfg, p.DeploymentStatus, p.DesiredStatus, p.DeploymentStatusSince,
		p.DeploymentLocation, p.DeploymentError, p.ID, expectedVersion,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetPipeline(ctx, p.ID)
		if getErr != nil {
			return getErr
		}
		return domain.NewConflictError("pipeline", p.ID, expectedVersion, current.Version)
	}
	if err != nil {
		return err
	}
	p.Version = newVersion
	return nil
}

func (s *PostgresStore) DeletePipeline(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	var p domain.Pipeline
	var cfg []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.ProgramID, &p.Name, &p.Description, &cfg, &p.Version,
		&p.DeploymentStatus, &p.DesiredStatus, &p.DeploymentStatusSince, &p.DeploymentLocation, &p.DeploymentError,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalRuntimeConfig(cfg, &p.RuntimeConfig); err != nil {
		return nil, err
	}
	return &p, nil
}

// ─── Binary refs ────────────────────────────────────────────────────────

func (s *PostgresStore) CreateBinaryRef(ctx context.Context, b *domain.BinaryRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO binary_refs (id, program_id, program_version, url, created_at) VALUES ($1, $2, $3, $4, NOW())`,
		b.ID, b.ProgramID, b.Version, b.URL)
	return err
}

func (s *PostgresStore) GetBinaryRef(ctx context.Context, id string) (*domain.BinaryRef, error) {
	return s.scanBinaryRef(s.pool.QueryRow(ctx,
		`SELECT id, program_id, program_version, url, created_at FROM binary_refs WHERE id = $1`, id))
}

func (s *PostgresStore) GetLatestBinaryRef(ctx context.Context, programID string) (*domain.BinaryRef, error) {
	return s.scanBinaryRef(s.pool.QueryRow(ctx,
		`SELECT id, program_id, program_version, url, created_at FROM binary_refs
		 WHERE program_id = $1 ORDER BY program_version DESC, created_at DESC LIMIT 1`, programID))
}

func (s *PostgresStore) ListBinaryRefs(ctx context.Context, programID string) ([]*domain.BinaryRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, program_id, program_version, url, created_at FROM binary_refs WHERE program_id = $1 ORDER BY program_version DESC`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BinaryRef
	for rows.Next() {
		b, err := s.scanBinaryRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBinaryRef(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM binary_refs WHERE id = $1`, id)
	return err
}

// ListOrphanedBinaryRefs returns every BinaryRef that is not the latest
// build for its program and belongs to a program that has since moved
// past that version, i.e. it can never be deployed again.
func (s *PostgresStore) ListOrphanedBinaryRefs(ctx context.Context) ([]*domain.BinaryRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.program_id, b.program_version, b.url, b.created_at
		 FROM binary_refs b
		 JOIN programs p ON p.id = b.program_id
		 WHERE b.program_version < p.version
		   AND b.id NOT IN (
		     SELECT id FROM binary_refs b2
		     WHERE b2.program_id = b.program_id
		     ORDER BY b2.program_version DESC, b2.created_at DESC LIMIT 1
		   )`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.BinaryRef
	for rows.Next() {
		b, err := s.scanBinaryRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scanBinaryRef(row rowScanner) (*domain.BinaryRef, error) {
	var b domain.BinaryRef
	if err := row.Scan(&b.ID, &b.ProgramID, &b.Version, &b.URL, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ─── API keys ───────────────────────────────────────────────────────────

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *domain.ApiKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, permissions, created_at) VALUES ($1, $2, $3, $4, $5, NOW())`,
		k.ID, k.TenantID, k.Name, k.Hash, joinPermissions(k.Permissions))
	return err
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.ApiKey, error) {
	return s.scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, key_hash, permissions, created_at FROM api_keys WHERE key_hash = $1`, hash))
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID string) ([]*domain.ApiKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, permissions, created_at FROM api_keys WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ApiKey
	for rows.Next() {
		k, err := s.scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) scanAPIKey(row rowScanner) (*domain.ApiKey, error) {
	var k domain.ApiKey
	var perms string
	if err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.Hash, &perms, &k.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.Permissions = splitPermissions(perms)
	return &k, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, letting scan
// helpers serve single-row and multi-row callers alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func joinPermissions(perms []domain.ApiPermission) string {
	strs := make([]string, len(perms))
	for i, p := range perms {
		strs[i] = string(p)
	}
	return strings.Join(strs, ",")
}

func splitPermissions(s string) []domain.ApiPermission {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]domain.ApiPermission, len(parts))
	for i, p := range parts {
		out[i] = domain.ApiPermission(p)
	}
	return out
}
