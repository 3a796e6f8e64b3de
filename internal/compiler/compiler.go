// Package compiler implements the Compilation Pipeline: the reconciler
// that drives a Program through Pending -> CompilingSQL -> CompilingRust
// -> Success|SqlError|RustError|SystemError by invoking the SQL and
// native-build subprocesses, publishing a BinaryRef before the final
// Success transition so a crash can never leave a Success program
// without a binary.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowctl/flowctl/internal/binref"
	"github.com/flowctl/flowctl/internal/config"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/logging"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/observability"
	"github.com/flowctl/flowctl/internal/pkg/crypto"
	"github.com/flowctl/flowctl/internal/store"
)

// SQLCompilerBin and NativeBuilderBin name the subprocesses invoked for
// each compile stage. They are package variables rather than config so
// that tests can point at a stub binary.
var (
	SQLCompilerBin  = "flowctl-sqlc"
	NativeBuilderBin = "flowctl-buildc"
)

// Reconciler polls Storage for pending programs and drives them through
// the Compilation Pipeline. Exactly one instance should run per program
// (multiple replicas are safe: NextPendingProgram claims atomically).
type Reconciler struct {
	store    store.Storage
	binaries binref.Backend
	cfg      config.CompilerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Reconciler. workDir is created if it does not exist.
func New(s store.Storage, binaries binref.Backend, cfg config.CompilerConfig) (*Reconciler, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "flowctl-compile")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create compiler work dir: %w", err)
	}
	return &Reconciler{
		store:    s,
		binaries: binaries,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the poll loop and the BinaryRef garbage collector.
func (r *Reconciler) Start() {
	r.wg.Add(2)
	go r.pollLoop()
	go r.gcLoop()
	logging.Op().Info("compilation pipeline reconciler started",
		"poll_interval", r.cfg.PollInterval, "subprocess_timeout", r.cfg.SubprocessTimeout)
}

// Stop signals both loops and waits for them to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	logging.Op().Info("compilation pipeline reconciler stopped")
}

func (r *Reconciler) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

// pollOnce claims one pending program at a time and compiles it. It keeps
// claiming and compiling without waiting for the ticker as long as
// programs are waiting, so a backlog drains promptly.
func (r *Reconciler) pollOnce() {
	for {
		prog, err := r.store.NextPendingProgram(context.Background())
		if err != nil {
			logging.Op().Error("claim pending program failed", "error", err)
			return
		}
		if prog == nil {
			return
		}
		r.compile(context.Background(), prog)

		select {
		case <-r.stopCh:
			return
		default:
		}
	}
}

// compile runs the full SQL -> native build pipeline for a program
// already transitioned to CompilingSQL by NextPendingProgram.
func (r *Reconciler) compile(ctx context.Context, prog *domain.Program) {
	started := time.Now()
	ctx, span := observability.StartSpan(ctx, "compiler.compile",
		observability.AttrProgramID.String(prog.ID),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SubprocessTimeout)
	defer cancel()

	workDir, err := os.MkdirTemp(r.cfg.WorkDir, fmt.Sprintf("%s-v%d-", prog.ID, prog.Version))
	if err != nil {
		r.fail(ctx, prog, domain.ProgramSystemError, err.Error(), started)
		return
	}
	defer os.RemoveAll(workDir)

	schema, info, err := r.runSQLCompile(ctx, prog, workDir)
	if err != nil {
		var sysErr *systemError
		if errors.As(err, &sysErr) {
			r.fail(ctx, prog, domain.ProgramSystemError, err.Error(), started)
			return
		}
		r.fail(ctx, prog, domain.ProgramSQLError, err.Error(), started)
		return
	}

	prog.Schema = schema
	prog.Info = info
	if !r.advance(ctx, prog, domain.ProgramCompilingRust) {
		return
	}

	binary, buildInfo, err := r.runNativeBuild(ctx, prog, workDir)
	if err != nil {
		var sysErr *systemError
		if errors.As(err, &sysErr) {
			r.fail(ctx, prog, domain.ProgramSystemError, err.Error(), started)
			return
		}
		r.fail(ctx, prog, domain.ProgramRustError, err.Error(), started)
		return
	}

	url, err := r.binaries.Publish(ctx, prog.ID, prog.Version, binary)
	if err != nil {
		r.fail(ctx, prog, domain.ProgramSystemError, fmt.Sprintf("publish binary: %v", err), started)
		return
	}
	logging.Op().Info("published pipeline binary", "program", prog.Name, "version", prog.Version, "digest", crypto.HashString(string(binary)))
	ref := &domain.BinaryRef{ProgramID: prog.ID, Version: prog.Version, URL: url}
	if err := r.store.CreateBinaryRef(ctx, ref); err != nil {
		r.fail(ctx, prog, domain.ProgramSystemError, fmt.Sprintf("persist binary ref: %v", err), started)
		return
	}

	if buildInfo != "" {
		prog.Info = buildInfo
	}
	if r.advance(ctx, prog, domain.ProgramSuccess) {
		metrics.Global().RecordCompile(prog.ID, time.Since(started).Milliseconds(), true)
		metrics.RecordPrometheusCompile(time.Since(started).Milliseconds(), true)
		logging.Op().Info("program compiled", "program", prog.Name, "version", prog.Version, "binary_url", url)
	}
}

// advance CAS-updates prog.Status to next, using prog.Version as the
// guard. A conflict means the user edited the program mid-compile: the
// current build is abandoned and the next poll picks up the new
// version, per the Compilation Pipeline's abort-on-version-change rule.
func (r *Reconciler) advance(ctx context.Context, prog *domain.Program, next domain.ProgramStatus) bool {
	prog.Status = next
	prog.StatusSince = time.Now().UTC()
	if err := r.store.UpdateProgram(ctx, prog, prog.Version); err != nil {
		if domain.IsConflictError(err) {
			logging.Op().Info("program changed mid-compile, aborting build", "program", prog.Name)
			return false
		}
		logging.Op().Error("update program status failed", "program", prog.Name, "error", err)
		return false
	}
	return true
}

func (r *Reconciler) fail(ctx context.Context, prog *domain.Program, status domain.ProgramStatus, message string, started time.Time) {
	prog.Status = status
	prog.Info = message
	if r.advance(ctx, prog, status) {
		metrics.Global().RecordCompile(prog.ID, time.Since(started).Milliseconds(), false)
		metrics.RecordPrometheusCompile(time.Since(started).Milliseconds(), false)
		logging.Op().Warn("program compile failed", "program", prog.Name, "version", prog.Version, "status", status, "error", message)
	}
}

// systemError marks an infrastructure failure (spawn error, I/O error)
// as distinct from a compiler-reported user error.
type systemError struct{ err error }

func (e *systemError) Error() string { return e.err.Error() }
func (e *systemError) Unwrap() error { return e.err }

func newSystemError(format string, args ...any) error {
	return &systemError{err: fmt.Errorf(format, args...)}
}

// runSQLCompile invokes the SQL-compiler subprocess against the
// program's code and returns the derived schema and diagnostic info on
// success. A non-zero exit with output is treated as a SqlError; a
// spawn or I/O failure is a SystemError.
func (r *Reconciler) runSQLCompile(ctx context.Context, prog *domain.Program, workDir string) (schema, info string, err error) {
	codePath := filepath.Join(workDir, "program.sql")
	if err := os.WriteFile(codePath, []byte(prog.Code), 0644); err != nil {
		return "", "", newSystemError("write program source: %w", err)
	}
	schemaPath := filepath.Join(workDir, "schema.json")

	cmd := exec.CommandContext(ctx, SQLCompilerBin,
		"--input", codePath,
		"--profile", string(resolveProfile(prog)),
		"--schema-out", schemaPath,
	)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", "", newSystemError("sql compile timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", "", fmt.Errorf("%s", firstNonEmpty(stderr.String(), stdout.String()))
		}
		return "", "", newSystemError("spawn sql compiler: %w", err)
	}

	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return "", "", newSystemError("read derived schema: %w", err)
	}
	return string(schemaBytes), stdout.String(), nil
}

// runNativeBuild invokes the native-build subprocess against a shared
// workspace of precompiled dependencies and returns the worker binary
// bytes on success.
func (r *Reconciler) runNativeBuild(ctx context.Context, prog *domain.Program, workDir string) (binary []byte, info string, err error) {
	binPath := filepath.Join(workDir, "worker")

	cmd := exec.CommandContext(ctx, NativeBuilderBin,
		"--schema", filepath.Join(workDir, "schema.json"),
		"--profile", string(resolveProfile(prog)),
		"--out", binPath,
	)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, "", newSystemError("native build timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, "", fmt.Errorf("%s", firstNonEmpty(stderr.String(), stdout.String()))
		}
		return nil, "", newSystemError("spawn native builder: %w", err)
	}

	data, err := os.ReadFile(binPath)
	if err != nil {
		return nil, "", newSystemError("read build artifact: %w", err)
	}
	return data, stdout.String(), nil
}

func resolveProfile(prog *domain.Program) domain.CompilationProfile {
	if prog.Config.Profile == "" {
		return domain.ProfileOptimized
	}
	return prog.Config.Profile
}

func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return "compiler exited with no diagnostic output"
}

// gcLoop periodically sweeps BinaryRefs whose program has moved past
// the version they were built from, deleting both the blob and the row.
func (r *Reconciler) gcLoop() {
	defer r.wg.Done()
	if r.cfg.GCInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.gcOnce()
		}
	}
}

func (r *Reconciler) gcOnce() {
	ctx := context.Background()
	orphans, err := r.store.ListOrphanedBinaryRefs(ctx)
	if err != nil {
		logging.Op().Error("list orphaned binary refs failed", "error", err)
		return
	}
	for _, ref := range orphans {
		if err := r.binaries.Delete(ctx, ref.URL); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("delete orphaned binary blob failed", "url", ref.URL, "error", err)
			continue
		}
		if err := r.store.DeleteBinaryRef(ctx, ref.ID); err != nil {
			logging.Op().Error("delete orphaned binary ref row failed", "id", ref.ID, "error", err)
			continue
		}
		logging.Op().Info("garbage collected orphaned binary ref", "program", ref.ProgramID, "version", ref.Version)
	}
}
