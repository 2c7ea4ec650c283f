// Package signals is the observability spine of a Conduit run. Every state
// change, decision, and outcome produces a Signal; signals are append-only
// and cannot be modified after emission.
package signals

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type SignalType string

const (
	PhaseTransition     SignalType = "PHASE_TRANSITION"
	ObstructionDetected SignalType = "OBSTRUCTION_DETECTED"
	AIInvoked           SignalType = "AI_INVOKED"
	AIResponded         SignalType = "AI_RESPONDED"
	AIRejected          SignalType = "AI_REJECTED"
	ActionExecuted      SignalType = "ACTION_EXECUTED"
	ExtractionComplete  SignalType = "EXTRACTION_COMPLETE"
	RetryAttempt        SignalType = "RETRY_ATTEMPT"
	RunComplete         SignalType = "RUN_COMPLETE"
	RunFailed           SignalType = "RUN_FAILED"
)

func ParseSignalType(s string) (SignalType, error) {
	switch SignalType(strings.TrimSpace(s)) {
	case PhaseTransition, ObstructionDetected, AIInvoked, AIResponded, AIRejected,
		ActionExecuted, ExtractionComplete, RetryAttempt, RunComplete, RunFailed:
		return SignalType(strings.TrimSpace(s)), nil
	default:
		return "", fmt.Errorf("invalid signal type: %q", s)
	}
}

// Signal is an immutable record of one event in a run. Fields are unexported
// so a signal cannot be mutated after emission; read access goes through the
// accessor methods, and Payload returns a defensive copy.
type Signal struct {
	sequence   int
	signalType SignalType
	timestamp  time.Time
	runID      string
	payload    map[string]any
}

func newSignal(sequence int, st SignalType, ts time.Time, runID string, payload map[string]any) Signal {
	return Signal{
		sequence:   sequence,
		signalType: st,
		timestamp:  ts.UTC(),
		runID:      runID,
		payload:    copyPayload(payload),
	}
}

func (s Signal) Sequence() int        { return s.sequence }
func (s Signal) Type() SignalType     { return s.signalType }
func (s Signal) Timestamp() time.Time { return s.timestamp }
func (s Signal) RunID() string        { return s.runID }

// Payload returns a copy; mutating it does not affect the signal.
func (s Signal) Payload() map[string]any { return copyPayload(s.payload) }

// PayloadField returns one payload value without copying the whole map.
func (s Signal) PayloadField(key string) (any, bool) {
	v, ok := s.payload[key]
	return v, ok
}

type signalWire struct {
	Sequence   int            `json:"sequence"`
	SignalType SignalType     `json:"signal_type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	Payload    map[string]any `json:"payload"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	payload := s.payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(signalWire{
		Sequence:   s.sequence,
		SignalType: s.signalType,
		Timestamp:  s.timestamp,
		RunID:      s.runID,
		Payload:    payload,
	})
}

func (s *Signal) UnmarshalJSON(b []byte) error {
	var w signalWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Sequence < 1 {
		return fmt.Errorf("signal sequence must be >= 1, got %d", w.Sequence)
	}
	st, err := ParseSignalType(string(w.SignalType))
	if err != nil {
		return err
	}
	*s = newSignal(w.Sequence, st, w.Timestamp, w.RunID, w.Payload)
	return nil
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
