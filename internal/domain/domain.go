// Package domain defines the entities of the control plane: tenants,
// SQL programs, deployed pipelines, compiled binary references and API
// keys. All entities that participate in optimistic concurrency carry a
// Version field; callers must pass the version they last observed back
// to the store and the update is rejected if it no longer matches.
package domain

import "time"

// ProgramStatus is the state of the Compilation Pipeline for a Program.
type ProgramStatus string

const (
	ProgramPending      ProgramStatus = "pending"
	ProgramCompilingSQL ProgramStatus = "compiling_sql"
	ProgramCompilingRust ProgramStatus = "compiling_rust"
	ProgramSuccess      ProgramStatus = "success"
	ProgramSQLError     ProgramStatus = "sql_error"
	ProgramRustError    ProgramStatus = "rust_error"
	ProgramSystemError  ProgramStatus = "system_error"
)

// CompilationProfile controls the optimization level passed to the
// native build step.
type CompilationProfile string

const (
	ProfileDev        CompilationProfile = "dev"
	ProfileUnoptimized CompilationProfile = "unoptimized"
	ProfileOptimized  CompilationProfile = "optimized"
)

// DeploymentStatus is the observed state of the Pipeline Lifecycle
// Automaton.
type DeploymentStatus string

const (
	DeployShutdown     DeploymentStatus = "shutdown"
	DeployProvisioning DeploymentStatus = "provisioning"
	DeployInitializing DeploymentStatus = "initializing"
	DeployPaused       DeploymentStatus = "paused"
	DeployRunning      DeploymentStatus = "running"
	DeployShuttingDown DeploymentStatus = "shutting_down"
	DeployFailed       DeploymentStatus = "failed"
)

// DesiredStatus is the status a caller asked the automaton to converge
// towards. Only Running, Paused and Shutdown are legal desired states.
type DesiredStatus string

const (
	DesiredRunning  DesiredStatus = "running"
	DesiredPaused   DesiredStatus = "paused"
	DesiredShutdown DesiredStatus = "shutdown"
)

// ApiPermission is one of the closed set of capabilities an API key can
// hold. Grounded on the permission vector returned by key validation in
// the original control plane.
type ApiPermission string

const (
	PermissionRead  ApiPermission = "read"
	PermissionWrite ApiPermission = "write"
	PermissionAdmin ApiPermission = "admin"
)

// Tenant is the top-level namespace owning programs, pipelines and keys.
type Tenant struct {
	ID        string
	Name      string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProgramConfig carries compilation knobs that are not part of the SQL
// text itself.
type ProgramConfig struct {
	Profile CompilationProfile `json:"profile"`
}

// Program is a named SQL program belonging to a tenant. Compiling a
// Program produces a BinaryRef once CompilingRust finishes successfully.
type Program struct {
	ID           string
	TenantID     string
	Name         string
	Description  string
	Code         string
	Config       ProgramConfig
	Schema       string // JSON schema of the program's views/tables, set on success
	Info         string // free-form compiler diagnostics
	Status       ProgramStatus
	StatusSince  time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuntimeConfig carries pipeline-level runtime knobs (worker resource
// hints, checkpoint interval, and similar) that are opaque to the
// automaton but forwarded to the worker process at startup.
type RuntimeConfig struct {
	Workers      int               `json:"workers"`
	StorageDir   string            `json:"storage_dir"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Pipeline is a deployable instance of a Program. It carries its own
// version (bumped on every config/runtime_config edit) independent from
// the Program's version, and a DeploymentStatus/DesiredStatus pair that
// the automaton reconciles.
type Pipeline struct {
	ID                 string
	TenantID           string
	ProgramID          string
	Name               string
	Description        string
	RuntimeConfig       RuntimeConfig
	Version            int64
	DeploymentStatus   DeploymentStatus
	DesiredStatus      DesiredStatus
	DeploymentStatusSince time.Time
	DeploymentLocation string // worker base URL once known, e.g. http://127.0.0.1:38213
	DeploymentError    string // last error_code/message pair, cleared on a successful transition
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BinaryRef points at a compiled pipeline binary in an object store or
// on local disk. URL scheme is implementation-defined (s3:// or file://).
type BinaryRef struct {
	ID        string
	ProgramID string
	Version   int64 // the Program.Version this binary was built from
	URL       string
	CreatedAt time.Time
}

// ApiKey is a hashed credential scoped to a tenant with a fixed
// permission set. The hash is an unsalted SHA-256 digest of the key
// material and keys are looked up by that full digest; there is no
// per-key salt and no prefix index.
type ApiKey struct {
	ID          string
	TenantID    string
	Name        string
	Hash        string // unsalted SHA-256 hex digest of the key material, never the raw key
	Permissions []ApiPermission
	CreatedAt   time.Time
}

// HasPermission reports whether the key carries perm, with Admin
// implicitly satisfying Read and Write.
func (k *ApiKey) HasPermission(perm ApiPermission) bool {
	for _, p := range k.Permissions {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}
