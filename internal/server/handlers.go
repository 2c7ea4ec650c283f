package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/grounding"
	"github.com/strongdm/conduit/internal/pipeline"
	"github.com/strongdm/conduit/internal/signals"
)

// validRunID matches generated run IDs and other safe identifiers. Only
// alphanumeric, dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"runs":        len(s.registry.List()),
		"active_runs": s.registry.ActiveCount(),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.TargetURL == "" {
		writeError(w, http.StatusBadRequest, "target_url is required")
		return
	}

	cfg := s.baseConfig(req.TargetURL)
	if req.ExtractionMode != "" {
		cfg.ExtractionMode = config.ExtractionMode(req.ExtractionMode)
	}
	if req.ExtractionSchema != nil {
		cfg.ExtractionSchema = req.ExtractionSchema
	}
	if req.HeuristicSelectors != nil {
		cfg.HeuristicSelectors = req.HeuristicSelectors
	}
	if req.AllowCrossOrigin != nil {
		cfg.AllowCrossOrigin = *req.AllowCrossOrigin
	}
	if req.DebugMode != nil {
		cfg.Pipeline.DebugMode = *req.DebugMode
	}
	if err := config.Validate(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// URL admission happens at the API boundary, before any browser exists.
	if verdict := config.ValidateTargetURL(cfg.TargetURL, cfg.URLPolicy); !verdict.Allowed {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("target_url rejected: %s", verdict.Reason))
		return
	}

	if s.registry.ActiveCount() >= cfg.MaxConcurrentRuns {
		writeError(w, http.StatusTooManyRequests, "too many concurrent runs")
		return
	}

	eng, err := s.newRun(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create run: %v", err))
		return
	}

	broadcaster := NewBroadcaster()
	unsub := eng.Signals().Subscribe(broadcaster.Send)
	ctx, cancel := context.WithCancelCause(s.baseCtx)

	rs := &RunState{
		RunID:       eng.RunID(),
		TargetURL:   cfg.TargetURL,
		Broadcaster: broadcaster,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	rs.SetEngine(eng)

	if err := s.registry.Register(rs.RunID, rs); err != nil {
		cancel(nil)
		unsub()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	go func() {
		defer broadcaster.Close()
		defer unsub()
		res, err := eng.Run(ctx)
		rs.SetResult(res, err)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": rs.RunID,
		"status": "accepted",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	out := make([]RunStatus, 0, len(states))
	for _, rs := range states {
		out = append(out, rs.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rs.Status())
}

func (s *Server) handleRunSignals(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	sigs := rs.Signals()
	if sigs == nil {
		sigs = []signals.Signal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  rs.RunID,
		"signals": sigs,
	})
}

func (s *Server) handleRunRecords(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	records, err := pipeline.LoadRecords(rs.RecordsPath())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load records: %v", err))
		return
	}
	if records == nil {
		records = []pipeline.ExtractionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  rs.RunID,
		"records": records,
	})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, rs.Broadcaster, s.logger, rs.RunID)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if rs.Done() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	rs.Cancel(fmt.Errorf("aborted via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) handleGroundingSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	found := grounding.Search(query, s.dataDir())
	results := make([]SearchResult, 0, len(found))
	for _, m := range found {
		results = append(results, SearchResult{Snippet: m.Snippet, URI: m.URI})
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Results: results})
}

// lookupRun resolves the {id} path value, writing the error response on
// failure.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*RunState, bool) {
	runID := r.PathValue("id")
	if runID == "" || !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id must be alphanumeric with dashes/underscores, 1-128 chars")
		return nil, false
	}
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	return rs, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
