package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strongdm/conduit/internal/conduit"
	"github.com/strongdm/conduit/internal/signals"
)

// maxRetainedRuns bounds the registry. Finished runs beyond this are
// evicted oldest-first; their artifacts stay on disk under the data dir.
const maxRetainedRuns = 256

// RunState tracks one running or completed run.
type RunState struct {
	RunID       string
	TargetURL   string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu      sync.Mutex
	engine  *conduit.Conduit
	result  *conduit.Result
	err     error
	done    bool
	runDir  string
	records string // processed records path, set when the engine is attached
}

// SetEngine attaches the live engine so status and signal queries can reach
// its emitter and pipeline.
func (rs *RunState) SetEngine(c *conduit.Conduit) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.engine = c
	rs.runDir = c.Pipeline().RunDir()
	rs.records = c.Pipeline().OutputPath()
}

// SetResult records the terminal outcome.
func (rs *RunState) SetResult(res *conduit.Result, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = res
	rs.err = err
	rs.done = true
}

// Done reports whether the run has reached a terminal state.
func (rs *RunState) Done() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// Signals returns the run's signal stream so far, oldest first.
func (rs *RunState) Signals() []signals.Signal {
	rs.mu.Lock()
	eng := rs.engine
	rs.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Signals().Signals()
}

// RecordsPath returns the run's processed records file, or "" before the
// engine is attached.
func (rs *RunState) RecordsPath() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.records
}

// Status summarizes the run for the HTTP API.
func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	status := RunStatus{
		RunID:     rs.RunID,
		State:     "running",
		TargetURL: rs.TargetURL,
		StartedAt: rs.StartedAt,
		RunDir:    rs.runDir,
	}
	if rs.engine != nil {
		status.Phase = string(rs.engine.Phase())
	}
	if rs.done {
		status.State = "failed"
		if rs.err != nil {
			status.FailureReason = rs.err.Error()
		}
		if rs.result != nil {
			status.State = rs.result.Status
			status.Phase = rs.result.Phase
			status.RecordsCount = rs.result.RecordsCount
			status.AICalls = rs.result.AICalls
			status.SignalsCount = rs.result.SignalsCount
			status.DurationS = rs.result.DurationS
		}
	}

	history := rs.Broadcaster.History()
	if !rs.done {
		status.SignalsCount = len(history)
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		status.LastSignal = string(last.Type())
		ts := last.Timestamp()
		status.LastSignalAt = &ts
		if status.FailureReason == "" {
			for i := len(history) - 1; i >= 0; i-- {
				if history[i].Type() != signals.RunFailed {
					continue
				}
				if reason, ok := history[i].PayloadField("failure_reason"); ok {
					if s, ok := reason.(string); ok {
						status.FailureReason = s
					}
				}
				break
			}
		}
	}
	return status
}

// RunRegistry tracks all runs managed by this server instance.
type RunRegistry struct {
	mu    sync.RWMutex
	runs  map[string]*RunState
	order []string // insertion order, for FIFO eviction
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run, evicting the oldest finished runs past the
// retention cap. Returns an error on a duplicate ID.
func (r *RunRegistry) Register(runID string, rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = rs
	r.order = append(r.order, runID)

	for len(r.order) > maxRetainedRuns {
		evicted := false
		for i, id := range r.order {
			if state, ok := r.runs[id]; ok && state.Done() {
				delete(r.runs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}
	return nil
}

// Get returns a run by ID.
func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns all retained runs in submission order.
func (r *RunRegistry) List() []*RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunState, 0, len(r.order))
	for _, id := range r.order {
		if rs, ok := r.runs[id]; ok {
			out = append(out, rs)
		}
	}
	return out
}

// ActiveCount returns the number of runs that have not finished.
func (r *RunRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rs := range r.runs {
		if !rs.Done() {
			n++
		}
	}
	return n
}

// CancelAll cancels every unfinished run with the given reason.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil && !rs.Done() {
			rs.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
