package automaton

import (
	"os"
	"sync"

	"github.com/flowctl/flowctl/internal/logging"
)

// processRegistry tracks the live worker *os.Process for each pipeline
// so awaitShutdown and beginShutdown can signal and force-kill it
// without the reconciler goroutine holding it across store round-trips.
type processRegistry struct {
	mu    sync.Mutex
	procs map[string]*os.Process
}

var processes = &processRegistry{procs: make(map[string]*os.Process)}

func (r *processRegistry) store(pipelineID string, p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[pipelineID] = p
}

func (r *processRegistry) load(pipelineID string) (*os.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pipelineID]
	return p, ok
}

func (r *processRegistry) delete(pipelineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, pipelineID)
}

// reapOnExit waits for the worker process to exit (normally or via
// force-kill) and removes it from the registry, mirroring a dead
// process being cleaned up rather than lingering as a zombie entry.
func reapOnExit(pipelineID string, cmd interface{ Wait() error }) {
	err := cmd.Wait()
	processes.delete(pipelineID)
	if err != nil {
		logging.Op().Debug("worker process exited", "pipeline", pipelineID, "error", err)
	}
}
