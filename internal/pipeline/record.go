// Package pipeline is the staged data model with strict gates: raw capture,
// staging, processed, persisted. Data cannot advance past a gate without
// validation, and nothing is mutated silently at any stage.
package pipeline

import "time"

// FieldValue is a single extracted field with confidence and provenance.
type FieldValue struct {
	Value          any     `json:"value"`
	Confidence     float64 `json:"confidence"`
	SourceSelector string  `json:"source_selector,omitempty"`
}

// NewFieldValue is the construction choke point: confidence is clamped to
// [0,1] here so no caller can smuggle an out-of-range score downstream.
func NewFieldValue(value any, confidence float64, sourceSelector string) FieldValue {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return FieldValue{Value: value, Confidence: confidence, SourceSelector: sourceSelector}
}

// RecordMetadata is provenance for one extraction record.
type RecordMetadata struct {
	SourceURL      string    `json:"source_url"`
	DOMHash        string    `json:"dom_hash"`
	ExtractedAt    time.Time `json:"extracted_at"`
	AIModel        string    `json:"ai_model,omitempty"`
	ExtractionMode string    `json:"extraction_mode"`
}

// ExtractionRecord is one structured record: named fields with confidence
// and selectors, full provenance, a completeness score, and a partial flag.
type ExtractionRecord struct {
	Fields            map[string]FieldValue `json:"fields"`
	Metadata          RecordMetadata        `json:"metadata"`
	CompletenessScore float64               `json:"completeness_score"`
	IsPartial         bool                  `json:"is_partial"`
	DuplicateOf       string                `json:"duplicate_of,omitempty"`
}

// RunMetadata describes a completed run, stored alongside its records.
type RunMetadata struct {
	RunID          string     `json:"run_id"`
	TargetURL      string     `json:"target_url"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TotalRecords   int        `json:"total_records"`
	TotalSignals   int        `json:"total_signals"`
	ExtractionMode string     `json:"extraction_mode"`
	Status         string     `json:"status"`
}
