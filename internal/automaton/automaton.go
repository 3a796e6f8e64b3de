// Package automaton implements the Pipeline Lifecycle Automaton
// (component D): a per-pipeline reconciler that drives
// deployment_status toward deployment_desired_status by spawning,
// probing, commanding and stopping a worker process, with a
// bounded-time state machine and a buffered log stream.
package automaton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/flowctl/flowctl/internal/binref"
	"github.com/flowctl/flowctl/internal/circuitbreaker"
	"github.com/flowctl/flowctl/internal/config"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/logging"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/observability"
	"github.com/flowctl/flowctl/internal/pkg/fsutil"
	"github.com/flowctl/flowctl/internal/runner"
	"github.com/flowctl/flowctl/internal/store"
)

// Automaton dispatches one reconciler goroutine per non-converged
// pipeline, deduplicated so a pipeline never has two concurrent
// reconcilers (§5 concurrency control).
type Automaton struct {
	store      store.Storage
	binaries   binref.Backend
	outputs    *logging.OutputStore
	logCache   *store.LogStreamCache
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
	cfg        config.AutomatonConfig
	workDir    string

	active sync.Map // pipelineID -> struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Automaton. workDir holds per-pipeline working
// directories (port file, staged worker binary).
func New(s store.Storage, binaries binref.Backend, outputs *logging.OutputStore, logCache *store.LogStreamCache, breakers *circuitbreaker.Registry, breakerCfg config.CircuitBreakerConfig, cfg config.AutomatonConfig, workDir string) *Automaton {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "flowctl-pipelines")
	}
	return &Automaton{
		store:    s,
		binaries: binaries,
		outputs:  outputs,
		logCache: logCache,
		breakers: breakers,
		breakerCfg: circuitbreaker.Config{
			ErrorPct:       breakerCfg.ErrorPct,
			WindowDuration: breakerCfg.WindowDuration,
			OpenDuration:   breakerCfg.OpenDuration,
			HalfOpenProbes: breakerCfg.HalfOpenProbes,
		},
		cfg:     cfg,
		workDir: workDir,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatch loop and the health probe loop.
func (a *Automaton) Start() {
	a.wg.Add(1)
	go a.dispatchLoop()
	a.wg.Add(1)
	go a.healthProbeLoop()
	logging.Op().Info("pipeline lifecycle automaton started", "poll_interval", a.cfg.PollInterval, "health_probe_interval", a.cfg.HealthProbeInterval)
}

// Stop signals the dispatch loop and waits for in-flight reconcilers to
// finish their current step. It does not force pipelines to Shutdown;
// worker processes already running are rediscovered by URL on restart.
func (a *Automaton) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	logging.Op().Info("pipeline lifecycle automaton stopped")
}

func (a *Automaton) dispatchLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.dispatchOnce()
		}
	}
}

func (a *Automaton) dispatchOnce() {
	pipelines, err := a.store.ListPipelinesNotConverged(context.Background())
	if err != nil {
		logging.Op().Error("list not-converged pipelines failed", "error", err)
		return
	}
	metrics.RecordReconcileLoop("automaton")
	for _, p := range pipelines {
		if _, alreadyRunning := a.active.LoadOrStore(p.ID, struct{}{}); alreadyRunning {
			continue
		}
		a.wg.Add(1)
		go func(pipelineID string) {
			defer a.wg.Done()
			defer a.active.Delete(pipelineID)
			a.reconcileToConvergence(pipelineID)
		}(p.ID)
	}
}

// healthProbeLoop re-probes Running/Paused pipelines on its own ticker.
// ListPipelinesNotConverged only surfaces pipelines that still have a
// transition to make, so a worker that goes fatal while steady-state
// (desired_status already matches deployment_status) would otherwise
// never be revisited; this loop is what notices it and drives Failed.
func (a *Automaton) healthProbeLoop() {
	defer a.wg.Done()
	if a.cfg.HealthProbeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.HealthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.healthProbeOnce()
		}
	}
}

func (a *Automaton) healthProbeOnce() {
	pipelines, err := a.store.ListPipelinesByDeploymentStatus(context.Background(),
		[]domain.DeploymentStatus{domain.DeployRunning, domain.DeployPaused})
	if err != nil {
		logging.Op().Error("list running/paused pipelines failed", "error", err)
		return
	}
	for _, p := range pipelines {
		if _, alreadyActive := a.active.LoadOrStore(p.ID, struct{}{}); alreadyActive {
			continue
		}
		a.wg.Add(1)
		go func(pipeline *domain.Pipeline) {
			defer a.wg.Done()
			defer a.active.Delete(pipeline.ID)
			a.probeHealth(pipeline)
		}(p)
	}
}

// probeHealth checks one steady-state worker for a self-reported fatal
// status and fails the pipeline if found. A transport error is treated
// as transient and left for the next tick, since a momentary blip
// shouldn't fail a pipeline that the circuit breaker hasn't given up on.
func (a *Automaton) probeHealth(p *domain.Pipeline) {
	client := a.clientFor(p)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPRequestTimeout)
	status, err := client.Probe(ctx)
	cancel()
	if err != nil || status.FatalError == "" {
		return
	}

	current, err := a.store.GetPipeline(context.Background(), p.ID)
	if err != nil {
		logging.Op().Error("reload pipeline before failing on fatal status", "pipeline", p.Name, "error", err)
		return
	}
	if current.DeploymentStatus != domain.DeployRunning && current.DeploymentStatus != domain.DeployPaused {
		return // already moved on since the probe was issued
	}
	a.fail(current, runner.ErrorCode(status.FatalError), status.FatalDetails)
}

// reconcileToConvergence repeatedly re-reads the pipeline and applies
// one transition step until deployment_status has no further automatic
// move to make this tick, so a single dispatch covers a full
// Shutdown->Running climb without waiting for repeated poll ticks.
func (a *Automaton) reconcileToConvergence(pipelineID string) {
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		p, err := a.store.GetPipeline(context.Background(), pipelineID)
		if err != nil {
			logging.Op().Error("reload pipeline failed", "pipeline", pipelineID, "error", err)
			return
		}
		progressed, err := a.step(p)
		if err != nil {
			logging.Op().Error("reconcile step failed", "pipeline", p.Name, "error", err)
			return
		}
		if !progressed {
			return
		}
	}
}

// step applies exactly one transition for p and returns whether it
// changed anything (false means the pipeline is converged for now and
// the next pass should wait for the dispatch loop).
func (a *Automaton) step(p *domain.Pipeline) (bool, error) {
	if p.DesiredStatus == domain.DesiredShutdown && p.DeploymentStatus != domain.DeployShutdown {
		return a.beginShutdown(p)
	}

	switch p.DeploymentStatus {
	case domain.DeployShutdown:
		return a.startProvisioning(p)
	case domain.DeployProvisioning:
		return a.awaitProvisioned(p)
	case domain.DeployInitializing:
		return a.awaitInitialized(p)
	case domain.DeployPaused:
		if p.DesiredStatus == domain.DesiredRunning {
			return a.sendCommand(p, domain.DeployRunning, func(c *runner.Client) error { return c.Start(context.Background()) })
		}
		return false, nil
	case domain.DeployRunning:
		if p.DesiredStatus == domain.DesiredPaused {
			return a.sendCommand(p, domain.DeployPaused, func(c *runner.Client) error { return c.Pause(context.Background()) })
		}
		return false, nil
	case domain.DeployShuttingDown:
		return a.awaitShutdown(p)
	case domain.DeployFailed:
		return false, nil
	default:
		return false, nil
	}
}

// startProvisioning validates the program has a BinaryRef for its
// current version and spawns the worker process.
func (a *Automaton) startProvisioning(p *domain.Pipeline) (bool, error) {
	prog, err := a.store.GetProgram(context.Background(), p.ProgramID)
	if err != nil {
		return false, err
	}
	if prog.Status != domain.ProgramSuccess {
		return false, nil // API layer rejects start requests in this state; nothing to do
	}
	ref, err := a.store.GetLatestBinaryRef(context.Background(), prog.ID)
	if err != nil || ref == nil || ref.Version != prog.Version {
		return false, nil
	}

	pipelineDir := filepath.Join(a.workDir, p.ID)
	if err := os.MkdirAll(pipelineDir, 0755); err != nil {
		return a.fail(p, runner.CodePipelineStartupError, err.Error())
	}

	binary, err := a.binaries.Fetch(context.Background(), ref.URL)
	if err != nil {
		return a.fail(p, runner.CodeBinaryFetchError, err.Error())
	}
	workerPath := filepath.Join(pipelineDir, a.cfg.WorkerBin)
	if err := os.WriteFile(workerPath, binary, 0755); err != nil {
		return a.fail(p, runner.CodeBinaryFetchError, err.Error())
	}
	if digest, err := fsutil.HashFile(workerPath); err == nil {
		logging.Op().Info("staged pipeline worker binary", "pipeline", p.Name, "digest", digest, "url", ref.URL)
	}

	runtimeJSON, err := marshalRuntimeConfig(p.RuntimeConfig)
	if err != nil {
		return a.fail(p, runner.CodePipelineStartupError, err.Error())
	}
	portFile := filepath.Join(pipelineDir, "port")
	os.Remove(portFile)

	cmd := exec.Command(workerPath, pipelineDir, string(runtimeJSON), portFile)
	cmd.Dir = pipelineDir
	var stdout, stderr outputWriter
	stdout.flush = func(chunk string) { a.appendOutput(p.ID, chunk, "") }
	stderr.flush = func(chunk string) { a.appendOutput(p.ID, "", chunk) }
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return a.fail(p, runner.CodePipelineStartupError, err.Error())
	}
	processes.store(p.ID, cmd.Process)
	go reapOnExit(p.ID, cmd)

	p.DeploymentStatus = domain.DeployProvisioning
	p.DeploymentStatusSince = time.Now().UTC()
	p.DeploymentError = ""
	return a.save(p)
}

// awaitProvisioned polls the per-pipeline port file until the worker
// has written its listening port, bounded by ProvisioningTimeout.
func (a *Automaton) awaitProvisioned(p *domain.Pipeline) (bool, error) {
	if time.Since(p.DeploymentStatusSince) > a.cfg.ProvisioningTimeout {
		return a.fail(p, runner.CodePipelineProvisioningTimeout, fmt.Sprintf("provisioning exceeded %s", a.cfg.ProvisioningTimeout))
	}

	portFile := filepath.Join(a.workDir, p.ID, "port")
	port, ok := readPortFile(portFile)
	if !ok {
		time.Sleep(a.cfg.PortFilePollInterval)
		return false, nil
	}

	p.DeploymentLocation = fmt.Sprintf("http://127.0.0.1:%s", port)
	p.DeploymentStatus = domain.DeployInitializing
	p.DeploymentStatusSince = time.Now().UTC()
	return a.save(p)
}

// awaitInitialized probes /stats until the worker reports readiness
// (any non-error status response), bounded by InitializingTimeout.
func (a *Automaton) awaitInitialized(p *domain.Pipeline) (bool, error) {
	if time.Since(p.DeploymentStatusSince) > a.cfg.InitializingTimeout {
		return a.fail(p, runner.CodePipelineInitializingTimeout, fmt.Sprintf("initializing exceeded %s", a.cfg.InitializingTimeout))
	}

	client := a.clientFor(p)
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPRequestTimeout)
	status, err := client.Probe(ctx)
	cancel()
	if err != nil {
		time.Sleep(a.cfg.PortFilePollInterval)
		return false, nil
	}
	if status.FatalError != "" {
		return a.fail(p, runner.ErrorCode(status.FatalError), status.FatalDetails)
	}

	target := domain.DeployPaused
	if p.DesiredStatus == domain.DesiredRunning {
		target = domain.DeployRunning
		if err := client.Start(ctx); err != nil {
			return false, nil // retry next step; initializing timeout still bounds this
		}
	}
	p.DeploymentStatus = target
	p.DeploymentStatusSince = time.Now().UTC()
	return a.save(p)
}

// sendCommand issues start/pause and advances to target on success.
func (a *Automaton) sendCommand(p *domain.Pipeline, target domain.DeploymentStatus, cmd func(*runner.Client) error) (bool, error) {
	client := a.clientFor(p)
	if err := cmd(client); err != nil {
		var rerr *runner.Error
		if errors.As(err, &rerr) {
			return a.fail(p, rerr.Code, rerr.Message)
		}
		return false, nil
	}
	p.DeploymentStatus = target
	p.DeploymentStatusSince = time.Now().UTC()
	return a.save(p)
}

// beginShutdown transitions any non-Shutdown state into ShuttingDown
// and signals the worker if a process is running. A pipeline already
// Failed goes straight to Shutdown; one without a running process (such
// as one still Provisioning before spawn) passes through ShuttingDown
// and awaitShutdown finishes it on the next step.
func (a *Automaton) beginShutdown(p *domain.Pipeline) (bool, error) {
	if p.DeploymentStatus == domain.DeployFailed {
		return a.finishShutdown(p)
	}
	if _, ok := processes.load(p.ID); ok {
		client := a.clientFor(p)
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPRequestTimeout)
		_ = client.Shutdown(ctx)
		cancel()
	}
	p.DeploymentStatus = domain.DeployShuttingDown
	p.DeploymentStatusSince = time.Now().UTC()
	return a.save(p)
}

// awaitShutdown waits for the worker process to exit and the port to
// be released, force-killing once ShutdownTimeout elapses.
func (a *Automaton) awaitShutdown(p *domain.Pipeline) (bool, error) {
	proc, running := processes.load(p.ID)
	if !running {
		return a.finishShutdown(p)
	}
	if time.Since(p.DeploymentStatusSince) > a.cfg.ShutdownTimeout {
		_ = proc.Signal(syscall.SIGKILL)
		processes.delete(p.ID)
		return a.finishShutdown(p)
	}
	time.Sleep(a.cfg.PortFilePollInterval)
	return false, nil
}

func (a *Automaton) finishShutdown(p *domain.Pipeline) (bool, error) {
	processes.delete(p.ID)
	os.RemoveAll(filepath.Join(a.workDir, p.ID))
	if a.logCache != nil {
		_ = a.logCache.Clear(context.Background(), p.ID)
	}
	if a.outputs != nil {
		a.outputs.Clear(p.ID)
	}
	p.DeploymentStatus = domain.DeployShutdown
	p.DeploymentStatusSince = time.Now().UTC()
	p.DeploymentLocation = ""
	p.DeploymentError = ""
	return a.save(p)
}

// fail transitions p to Failed with a structured deployment_error.
func (a *Automaton) fail(p *domain.Pipeline, code runner.ErrorCode, message string) (bool, error) {
	p.DeploymentStatus = domain.DeployFailed
	p.DeploymentStatusSince = time.Now().UTC()
	p.DeploymentError = fmt.Sprintf("%s: %s", code, message)
	logging.Op().Warn("pipeline transitioned to failed", "pipeline", p.Name, "error_code", code, "message", message)
	return a.save(p)
}

func (a *Automaton) save(p *domain.Pipeline) (bool, error) {
	from := string(p.DeploymentStatus)
	expected := p.Version
	ctx, span := observability.StartSpan(context.Background(), "automaton.transition",
		observability.AttrPipelineID.String(p.ID),
		observability.AttrFromStatus.String(from),
		observability.AttrToStatus.String(string(p.DeploymentStatus)),
	)
	defer span.End()

	if err := a.store.UpdatePipeline(ctx, p, expected); err != nil {
		if domain.IsConflictError(err) {
			logging.Op().Info("pipeline changed during reconcile, re-reading", "pipeline", p.Name)
			observability.SetSpanOK(span)
			return true, nil // the next loop iteration re-fetches the current row
		}
		observability.SetSpanError(span, err)
		return false, err
	}
	observability.SetSpanOK(span)
	metrics.Global().RecordTransition(from, string(p.DeploymentStatus))
	metrics.RecordPrometheusTransition(from, string(p.DeploymentStatus))
	return true, nil
}

func (a *Automaton) clientFor(p *domain.Pipeline) *runner.Client {
	var breaker *circuitbreaker.Breaker
	if a.breakers != nil {
		breaker = a.breakers.Get(p.ID, a.breakerCfg)
		metrics.SetCircuitBreakerState(p.ID, int(breaker.State()))
	}
	return runner.New(p.ID, p.DeploymentLocation, a.cfg.HTTPRequestTimeout, breaker)
}

func (a *Automaton) appendOutput(pipelineID, stdout, stderr string) {
	if a.outputs != nil {
		a.outputs.Append(pipelineID, stdout, stderr)
	}
	if a.logCache != nil {
		chunk := stdout + stderr
		if chunk != "" {
			_ = a.logCache.Append(context.Background(), pipelineID, chunk, 2000)
		}
	}
}

func marshalRuntimeConfig(cfg domain.RuntimeConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

// outputWriter hands each write of worker stdout/stderr to flush as soon
// as it arrives; writes are not split or joined at line boundaries.
type outputWriter struct {
	buf   bytes.Buffer
	flush func(string)
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.flush(w.buf.String())
	w.buf.Reset()
	return len(p), nil
}

// readPortFile tolerates an absent or empty file, per the port-file
// protocol's write-then-rename contract.
func readPortFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return "", false
	}
	return string(bytes.TrimSpace(data)), true
}
