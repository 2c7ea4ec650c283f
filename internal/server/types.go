package server

import "time"

// SubmitRunRequest is the POST /runs request body. target_url is required;
// the remaining fields override the server's base configuration for this
// run only.
type SubmitRunRequest struct {
	TargetURL          string            `json:"target_url"`
	ExtractionMode     string            `json:"extraction_mode,omitempty"`
	ExtractionSchema   map[string]any    `json:"extraction_schema,omitempty"`
	HeuristicSelectors map[string]string `json:"heuristic_selectors,omitempty"`
	AllowCrossOrigin   *bool             `json:"allow_cross_origin,omitempty"`
	DebugMode          *bool             `json:"debug_mode,omitempty"`
}

// RunStatus is returned by GET /runs/{id} and listed by GET /runs.
type RunStatus struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	TargetURL     string     `json:"target_url"`
	Phase         string     `json:"phase,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	LastSignal    string     `json:"last_signal,omitempty"`
	LastSignalAt  *time.Time `json:"last_signal_at,omitempty"`
	SignalsCount  int        `json:"signals_count"`
	RecordsCount  int        `json:"records_count"`
	AICalls       int        `json:"ai_calls"`
	DurationS     float64    `json:"duration_s,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RunDir        string     `json:"run_dir,omitempty"`
}

// SearchResult is one grounding match returned by GET /grounding/search.
type SearchResult struct {
	Snippet string `json:"snippet"`
	URI     string `json:"uri"`
}

// SearchResponse is the GET /grounding/search envelope.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
