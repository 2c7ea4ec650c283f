package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/telemetry"
)

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// PageClassification is the model's assessment of the current page state.
type PageClassification struct {
	PageState              string   `json:"page_state"`
	Confidence             float64  `json:"confidence"`
	ContentRegionsDetected int      `json:"content_regions_detected"`
	ObstructionIndicators  []string `json:"obstruction_indicators,omitempty"`
}

// NavigationPlan is an ordered list of proposed browser actions.
type NavigationPlan struct {
	Actions        []FunctionCall `json:"actions"`
	EstimatedSteps int            `json:"estimated_steps"`
	Confidence     float64        `json:"confidence"`
}

// ExtractionResult carries model-extracted records.
type ExtractionResult struct {
	Records            []map[string]any `json:"records"`
	CompletenessScore  float64          `json:"completeness_score"`
	DuplicatesDetected int              `json:"duplicates_detected"`
}

// Engine is the stateless model client. The run loop owns all state; the
// engine only turns prompts into structured replies. Transport and
// validation failures never surface as errors: each call degrades to a
// low-confidence default and the failure goes to telemetry, because the
// system must keep working in heuristic-only mode.
type Engine struct {
	cfg       config.AIConfig
	timeout   time.Duration
	logger    *zap.Logger
	msg       MessagesClient
	available bool
}

// NewEngine builds an uninitialized engine from the run config.
func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg.AI,
		timeout: time.Duration(cfg.Timeouts.AITimeoutS) * time.Second,
		logger:  logger,
	}
}

// NewEngineWithClient builds an engine over an injected Messages client.
// Used by tests; the engine is available immediately.
func NewEngineWithClient(msg MessagesClient, cfg *config.Config, logger *zap.Logger) *Engine {
	e := NewEngine(cfg, logger)
	e.msg = msg
	e.available = msg != nil
	return e
}

// Initialize constructs the SDK client. The engine is optional: a false
// return leaves the system in heuristic-only mode rather than failing
// the run.
func (e *Engine) Initialize() bool {
	if e.available {
		return true
	}
	if strings.TrimSpace(e.cfg.APIKey) == "" {
		telemetry.Emit(e.logger, telemetry.Event{
			Code:       telemetry.AIInitializationFailed,
			Message:    "no API key configured",
			Suppressed: true,
		})
		return false
	}
	client := sdk.NewClient(option.WithAPIKey(e.cfg.APIKey))
	e.msg = &client.Messages
	e.available = true
	return true
}

// Available reports whether the engine can be consulted.
func (e *Engine) Available() bool { return e != nil && e.available && e.msg != nil }

// invoke sends one prompt and returns the concatenated text reply.
func (e *Engine) invoke(ctx context.Context, prompt string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := sdk.MessageNewParams{
		MaxTokens: int64(e.cfg.MaxTokens),
		Model:     sdk.Model(e.cfg.Model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if e.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(e.cfg.Temperature)
	}

	msg, err := e.msg.New(callCtx, params)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errors.New("nil response message")
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("response contains no text content")
	}
	return []byte(stripJSONFences(text.String())), nil
}

func (e *Engine) report(code telemetry.ErrorCode, err error) {
	telemetry.Emit(e.logger, telemetry.Event{
		Code:       code,
		Message:    err.Error(),
		Suppressed: true,
	})
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClassifyPage asks the model to classify the page state. When the engine
// is unavailable or the call fails, the default leans toward
// CONTENT_VISIBLE at low confidence so the run proceeds on heuristics.
func (e *Engine) ClassifyPage(ctx context.Context, domHTML string) PageClassification {
	if !e.Available() {
		return PageClassification{PageState: "CONTENT_VISIBLE", Confidence: 0.3}
	}
	raw, err := e.invoke(ctx, classifyPagePrompt(domHTML))
	if err != nil {
		e.report(telemetry.AIClassificationFailed, err)
		return PageClassification{PageState: "CONTENT_VISIBLE", Confidence: 0.2}
	}
	var out PageClassification
	if err := decodeValidated(raw, classificationSchema, &out); err != nil {
		e.report(telemetry.AIClassificationFailed, err)
		return PageClassification{PageState: "CONTENT_VISIBLE", Confidence: 0.2}
	}
	out.Confidence = clampConfidence(out.Confidence)
	return out
}

// GenerateNavigationPlan asks the model how to resolve an obstruction.
// Replies are structured function calls, never prose; the action list is
// truncated at the circuit-breaker cap. Failure yields an empty
// zero-confidence plan.
func (e *Engine) GenerateNavigationPlan(ctx context.Context, domHTML, obstructionType string, targetSchema map[string]any, priorAttempts []string) NavigationPlan {
	if !e.Available() {
		return NavigationPlan{Actions: []FunctionCall{}}
	}
	raw, err := e.invoke(ctx, navigationPlanPrompt(domHTML, obstructionType, targetSchema, priorAttempts))
	if err != nil {
		e.report(telemetry.AIPlanGenerationFailed, err)
		return NavigationPlan{Actions: []FunctionCall{}}
	}
	var out NavigationPlan
	if err := decodeValidated(raw, navigationPlanSchema, &out); err != nil {
		e.report(telemetry.AIPlanGenerationFailed, err)
		return NavigationPlan{Actions: []FunctionCall{}}
	}
	if len(out.Actions) > MaxFunctionCallsPerInvocation {
		out.Actions = out.Actions[:MaxFunctionCallsPerInvocation]
	}
	if out.EstimatedSteps == 0 {
		out.EstimatedSteps = len(out.Actions)
	}
	if out.Confidence == 0 {
		out.Confidence = 0.5
	}
	out.Confidence = clampConfidence(out.Confidence)
	return out
}

// ExtractStructured asks the model to extract records matching schema.
func (e *Engine) ExtractStructured(ctx context.Context, domHTML string, schema map[string]any, sourceURL string) ExtractionResult {
	if !e.Available() {
		return ExtractionResult{}
	}
	raw, err := e.invoke(ctx, extractStructuredPrompt(domHTML, schema, sourceURL))
	if err != nil {
		e.report(telemetry.AIExtractionFailed, err)
		return ExtractionResult{}
	}
	var out ExtractionResult
	if err := decodeValidated(raw, extractionSchema, &out); err != nil {
		e.report(telemetry.AIExtractionFailed, err)
		return ExtractionResult{}
	}
	out.CompletenessScore = clampConfidence(out.CompletenessScore)
	return out
}

// RepairExtraction asks the model to complete a partial extraction.
func (e *Engine) RepairExtraction(ctx context.Context, partial map[string]any, schema map[string]any, domHTML string) ExtractionResult {
	if !e.Available() {
		return ExtractionResult{}
	}
	raw, err := e.invoke(ctx, repairExtractionPrompt(partial, schema, domHTML))
	if err != nil {
		e.report(telemetry.AIRepairFailed, err)
		return ExtractionResult{}
	}
	var out ExtractionResult
	if err := decodeValidated(raw, extractionSchema, &out); err != nil {
		e.report(telemetry.AIRepairFailed, err)
		return ExtractionResult{}
	}
	out.CompletenessScore = clampConfidence(out.CompletenessScore)
	return out
}
