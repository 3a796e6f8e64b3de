package automaton

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flowctl/flowctl/internal/config"
	"github.com/flowctl/flowctl/internal/domain"
	"github.com/flowctl/flowctl/internal/runner"
	"github.com/flowctl/flowctl/internal/store"
)

// fakeStore is a minimal in-memory store.Storage good enough to drive
// the automaton's reconcile and health-probe paths without Postgres.
// Every method the automaton doesn't exercise panics if called, so a
// test that reaches one signals a real gap instead of silently passing.
type fakeStore struct {
	mu        sync.Mutex
	pipelines map[string]*domain.Pipeline
	programs  map[string]*domain.Program
	binaries  map[string]*domain.BinaryRef // programID -> latest ref
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pipelines: make(map[string]*domain.Pipeline),
		programs:  make(map[string]*domain.Program),
		binaries:  make(map[string]*domain.BinaryRef),
	}
}

func (f *fakeStore) Close() error                              { return nil }
func (f *fakeStore) Ping(ctx context.Context) error             { return nil }
func (f *fakeStore) CreateTenant(ctx context.Context, t *domain.Tenant) error { panic("unused") }
func (f *fakeStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	panic("unused")
}
func (f *fakeStore) GetTenantByName(ctx context.Context, name string) (*domain.Tenant, error) {
	panic("unused")
}
func (f *fakeStore) ListTenants(ctx context.Context) ([]*domain.Tenant, error) { panic("unused") }

func (f *fakeStore) CreateProgram(ctx context.Context, p *domain.Program) error { panic("unused") }
func (f *fakeStore) GetProgram(ctx context.Context, id string) (*domain.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.programs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
func (f *fakeStore) GetProgramByName(ctx context.Context, tenantID, name string) (*domain.Program, error) {
	panic("unused")
}
func (f *fakeStore) ListPrograms(ctx context.Context, tenantID string) ([]*domain.Program, error) {
	panic("unused")
}
func (f *fakeStore) UpdateProgram(ctx context.Context, p *domain.Program, expectedVersion int64) error {
	panic("unused")
}
func (f *fakeStore) DeleteProgram(ctx context.Context, id string) error { panic("unused") }
func (f *fakeStore) NextPendingProgram(ctx context.Context) (*domain.Program, error) {
	panic("unused")
}

func (f *fakeStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error { panic("unused") }
func (f *fakeStore) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pipelines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
func (f *fakeStore) GetPipelineByName(ctx context.Context, tenantID, name string) (*domain.Pipeline, error) {
	panic("unused")
}
func (f *fakeStore) ListPipelines(ctx context.Context, tenantID string) ([]*domain.Pipeline, error) {
	panic("unused")
}
func (f *fakeStore) ListPipelinesNotConverged(ctx context.Context) ([]*domain.Pipeline, error) {
	panic("unused")
}
func (f *fakeStore) ListPipelinesByDeploymentStatus(ctx context.Context, statuses []domain.DeploymentStatus) ([]*domain.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[domain.DeploymentStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Pipeline
	for _, p := range f.pipelines {
		if want[p.DeploymentStatus] {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdatePipeline(ctx context.Context, p *domain.Pipeline, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.pipelines[p.ID]
	if ok && expectedVersion != 0 && current.Version != expectedVersion {
		return domain.NewConflictError("pipeline", p.ID, expectedVersion, current.Version)
	}
	p.Version++
	cp := *p
	f.pipelines[p.ID] = &cp
	return nil
}
func (f *fakeStore) DeletePipeline(ctx context.Context, id string) error { panic("unused") }

func (f *fakeStore) CreateBinaryRef(ctx context.Context, b *domain.BinaryRef) error { panic("unused") }
func (f *fakeStore) GetBinaryRef(ctx context.Context, id string) (*domain.BinaryRef, error) {
	panic("unused")
}
func (f *fakeStore) GetLatestBinaryRef(ctx context.Context, programID string) (*domain.BinaryRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.binaries[programID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ref
	return &cp, nil
}
func (f *fakeStore) ListBinaryRefs(ctx context.Context, programID string) ([]*domain.BinaryRef, error) {
	panic("unused")
}
func (f *fakeStore) DeleteBinaryRef(ctx context.Context, id string) error { panic("unused") }
func (f *fakeStore) ListOrphanedBinaryRefs(ctx context.Context) ([]*domain.BinaryRef, error) {
	panic("unused")
}

func (f *fakeStore) CreateAPIKey(ctx context.Context, k *domain.ApiKey) error { panic("unused") }
func (f *fakeStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.ApiKey, error) {
	panic("unused")
}
func (f *fakeStore) ListAPIKeys(ctx context.Context, tenantID string) ([]*domain.ApiKey, error) {
	panic("unused")
}
func (f *fakeStore) DeleteAPIKey(ctx context.Context, id string) error { panic("unused") }

func testConfig() config.AutomatonConfig {
	return config.AutomatonConfig{
		PollInterval:         time.Second,
		ProvisioningTimeout:  10 * time.Second,
		InitializingTimeout:  10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		HTTPRequestTimeout:   time.Second,
		PortFilePollInterval: 10 * time.Millisecond,
		WorkerBin:            "worker",
		HealthProbeInterval:  time.Second,
	}
}

func newTestAutomaton(t *testing.T, s store.Storage) *Automaton {
	t.Helper()
	return New(s, nil, nil, nil, nil, config.CircuitBreakerConfig{}, testConfig(), t.TempDir())
}

func TestStepStartProvisioningSkipsWhenProgramNotCompiled(t *testing.T) {
	s := newFakeStore()
	s.programs["prog-1"] = &domain.Program{ID: "prog-1", Status: domain.ProgramPending, Version: 1}
	p := &domain.Pipeline{
		ID: "pipe-1", ProgramID: "prog-1", Name: "p1",
		DeploymentStatus: domain.DeployShutdown, DesiredStatus: domain.DesiredRunning, Version: 1,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	progressed, err := a.step(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progressed {
		t.Fatal("expected no progress while the program has not compiled")
	}
	if p.DeploymentStatus != domain.DeployShutdown {
		t.Fatalf("expected pipeline to remain shutdown, got %v", p.DeploymentStatus)
	}
}

func TestStepStartProvisioningSkipsWhenBinaryRefStale(t *testing.T) {
	s := newFakeStore()
	s.programs["prog-1"] = &domain.Program{ID: "prog-1", Status: domain.ProgramSuccess, Version: 2}
	s.binaries["prog-1"] = &domain.BinaryRef{ID: "ref-1", ProgramID: "prog-1", Version: 1, URL: "file:///tmp/x"}
	p := &domain.Pipeline{
		ID: "pipe-1", ProgramID: "prog-1", Name: "p1",
		DeploymentStatus: domain.DeployShutdown, DesiredStatus: domain.DesiredRunning, Version: 1,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	progressed, err := a.step(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progressed {
		t.Fatal("expected no progress when the latest binary predates the program version")
	}
}

func TestStepBeginShutdownFromFailedGoesStraightToShutdown(t *testing.T) {
	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployFailed, DesiredStatus: domain.DesiredShutdown,
		DeploymentError: "worker_panic: boom",
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	progressed, err := a.step(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !progressed {
		t.Fatal("expected finishShutdown to progress")
	}
	if p.DeploymentStatus != domain.DeployShutdown {
		t.Fatalf("expected shutdown, got %v", p.DeploymentStatus)
	}
	if p.DeploymentError != "" {
		t.Fatalf("expected deployment error cleared, got %q", p.DeploymentError)
	}
}

func TestStepRunningWithMatchingDesiredMakesNoProgress(t *testing.T) {
	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	progressed, err := a.step(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if progressed {
		t.Fatal("converged Running pipeline should not progress via step")
	}
}

func TestFailTransitionsToFailedWithStructuredError(t *testing.T) {
	s := newFakeStore()
	p := &domain.Pipeline{ID: "pipe-1", Name: "p1", Version: 1, DeploymentStatus: domain.DeployRunning}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	progressed, err := a.fail(p, runner.ErrorCode("WorkerPanic"), "boom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !progressed {
		t.Fatal("expected fail to persist the transition")
	}
	if p.DeploymentStatus != domain.DeployFailed {
		t.Fatalf("expected failed, got %v", p.DeploymentStatus)
	}
	if p.DeploymentError == "" {
		t.Fatal("expected a structured deployment error")
	}
}

// fatalStatusServer stands in for a worker's /stats admin endpoint that
// has observed a fatal error but is still answering probes.
func fatalStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runner.Status{
			State:        "running",
			FatalError:   string(runner.ErrorCode("WorkerPanic")),
			FatalDetails: "panic: index out of range",
		})
	}))
}

func healthyStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runner.Status{State: "running"})
	}))
}

func TestProbeHealthFailsPipelineOnFatalStatus(t *testing.T) {
	srv := fatalStatusServer(t)
	defer srv.Close()

	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
		DeploymentLocation: srv.URL,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	a.probeHealth(p)

	got, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeploymentStatus != domain.DeployFailed {
		t.Fatalf("expected failed after fatal probe, got %v", got.DeploymentStatus)
	}
}

func TestProbeHealthLeavesRunningOnHealthyStatus(t *testing.T) {
	srv := healthyStatusServer(t)
	defer srv.Close()

	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
		DeploymentLocation: srv.URL,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	a.probeHealth(p)

	got, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeploymentStatus != domain.DeployRunning {
		t.Fatalf("expected still running, got %v", got.DeploymentStatus)
	}
}

func TestProbeHealthTransientTransportErrorLeavesPipelineAlone(t *testing.T) {
	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
		DeploymentLocation: "http://127.0.0.1:1", // nothing listening
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	a.probeHealth(p)

	got, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeploymentStatus != domain.DeployRunning {
		t.Fatalf("expected a transport error to be treated as transient, got %v", got.DeploymentStatus)
	}
}

func TestHealthProbeOnceDedupesAgainstActiveReconciler(t *testing.T) {
	srv := fatalStatusServer(t)
	defer srv.Close()

	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
		DeploymentLocation: srv.URL,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	a.active.Store(p.ID, struct{}{}) // simulate a concurrent reconciler already owning this pipeline

	a.healthProbeOnce()
	a.wg.Wait()

	got, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeploymentStatus != domain.DeployRunning {
		t.Fatalf("expected the already-active pipeline to be skipped, got %v", got.DeploymentStatus)
	}
}

func TestHealthProbeOnceFailsPipelineAndReleasesActiveSlot(t *testing.T) {
	srv := fatalStatusServer(t)
	defer srv.Close()

	s := newFakeStore()
	p := &domain.Pipeline{
		ID: "pipe-1", Name: "p1", Version: 1,
		DeploymentStatus: domain.DeployRunning, DesiredStatus: domain.DesiredRunning,
		DeploymentLocation: srv.URL,
	}
	s.pipelines[p.ID] = p

	a := newTestAutomaton(t, s)
	a.healthProbeOnce()
	a.wg.Wait()

	got, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DeploymentStatus != domain.DeployFailed {
		t.Fatalf("expected failed, got %v", got.DeploymentStatus)
	}
	if _, stillActive := a.active.Load(p.ID); stillActive {
		t.Fatal("expected active slot to be released after probe completes")
	}
}

func TestMarshalRuntimeConfigRoundTrips(t *testing.T) {
	cfg := domain.RuntimeConfig{Workers: 4, StorageDir: "/data", Extra: map[string]string{"k": "v"}}
	data, err := marshalRuntimeConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got domain.RuntimeConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Workers != cfg.Workers || got.StorageDir != cfg.StorageDir || got.Extra["k"] != "v" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
