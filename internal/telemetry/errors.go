// Package telemetry reports suppressed and observational failures as
// structured events with canonical error codes. Suppressed failures are
// visible here and nowhere else, so every boundary that swallows an error
// must emit one of these events.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ErrorCode string

const (
	AIInitializationFailed       ErrorCode = "AI_INITIALIZATION_FAILED"
	AIClassificationFailed       ErrorCode = "AI_CLASSIFICATION_FAILED"
	AIPlanGenerationFailed       ErrorCode = "AI_PLAN_GENERATION_FAILED"
	AIExtractionFailed           ErrorCode = "AI_EXTRACTION_FAILED"
	AIRepairFailed               ErrorCode = "AI_REPAIR_FAILED"
	SignalSubscriberFailure      ErrorCode = "SIGNAL_SUBSCRIBER_FAILURE"
	APIStreamSendFailed          ErrorCode = "API_STREAM_SEND_FAILED"
	BrowserCleanupFailed         ErrorCode = "BROWSER_CLEANUP_FAILED"
	ConduitActionExecutionFailed ErrorCode = "CONDUIT_ACTION_EXECUTION_FAILED"
)

// Event is one structured error telemetry event.
type Event struct {
	Code       ErrorCode
	Message    string
	Suppressed bool
	RunID      string
	Phase      string
	Details    map[string]any
}

// Emit logs the event at error level with a stable field layout.
func Emit(logger *zap.Logger, ev Event) {
	if logger == nil {
		return
	}
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	logger.Error("conduit_error",
		zap.String("error_code", string(ev.Code)),
		zap.String("error_message", ev.Message),
		zap.Bool("suppressed", ev.Suppressed),
		zap.String("run_id", ev.RunID),
		zap.String("phase", ev.Phase),
		zap.Any("details", details),
	)
}

// NewLogger builds the process logger. Level accepts zap level names
// (debug, info, warn, error); anything unparseable falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
