package conduit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/ai"
	"github.com/strongdm/conduit/internal/browser"
	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/pipeline"
	"github.com/strongdm/conduit/internal/signals"
	"github.com/strongdm/conduit/internal/telemetry"
)

// InvariantError marks implementation bugs, not runtime conditions. It
// propagates out of Run instead of turning into a FAIL state.
type InvariantError struct {
	msg string
}

func (e *InvariantError) Error() string { return e.msg }

// Reasoner is the AI surface the run loop consults. Satisfied by
// *ai.Engine; tests substitute fakes.
type Reasoner interface {
	Initialize() bool
	Available() bool
	GenerateNavigationPlan(ctx context.Context, domHTML, obstructionType string, targetSchema map[string]any, priorAttempts []string) ai.NavigationPlan
	ExtractStructured(ctx context.Context, domHTML string, schema map[string]any, sourceURL string) ai.ExtractionResult
	RepairExtraction(ctx context.Context, partial map[string]any, schema map[string]any, domHTML string) ai.ExtractionResult
}

// Result summarizes one finished run.
type Result struct {
	RunID        string  `json:"run_id"`
	Status       string  `json:"status"`
	Phase        string  `json:"phase"`
	RecordsCount int     `json:"records_count"`
	DurationS    float64 `json:"duration_s"`
	AICalls      int     `json:"ai_calls"`
	SignalsCount int     `json:"signals_count"`
}

// Conduit drives one scraping run. All run state lives on the instance; a
// second run constructs a fresh Conduit.
type Conduit struct {
	cfg    *config.Config
	logger *zap.Logger

	runID     string
	phase     Phase
	startTime time.Time
	attempts  int
	aiCalls   int

	interactionTrace []string
	priorAIAttempts  []string
	pendingPlan      []ai.FunctionCall
	currentDOM       *browser.Snapshot

	browser  browser.Layer
	engine   Reasoner
	emitter  *signals.Emitter
	pipeline *pipeline.Manager
}

// Option overrides a component, used by tests and by the server to inject
// shared pieces.
type Option func(*Conduit)

func WithBrowser(l browser.Layer) Option { return func(c *Conduit) { c.browser = l } }
func WithReasoner(r Reasoner) Option     { return func(c *Conduit) { c.engine = r } }

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// New builds a Conduit with its pipeline directories created and the signal
// ledger wired under the run directory.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Conduit, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	runID := NewRunID()
	pm, err := pipeline.NewManager(runID, cfg.Pipeline.DataDir, cfg.Pipeline.DebugMode)
	if err != nil {
		return nil, err
	}
	c := &Conduit{
		cfg:      cfg,
		logger:   logger,
		runID:    runID,
		phase:    PhaseInit,
		emitter:  signals.NewEmitter(runID, pm.LedgerPath(), logger),
		pipeline: pm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.browser == nil {
		c.browser = browser.NewChromeLayer(cfg)
	}
	if c.engine == nil {
		c.engine = ai.NewEngine(cfg, logger)
	}
	return c, nil
}

func (c *Conduit) RunID() string { return c.runID }

func (c *Conduit) Phase() Phase { return c.phase }

func (c *Conduit) Signals() *signals.Emitter { return c.emitter }

func (c *Conduit) Pipeline() *pipeline.Manager { return c.pipeline }

// transition moves to a new phase under table validation and emits the
// PHASE_TRANSITION signal. Every phase change goes through here; an invalid
// transition is a fatal invariant violation that mutates nothing and emits
// nothing.
func (c *Conduit) transition(to Phase, context map[string]any) error {
	if !ValidTransitions[c.phase][to] {
		return &InvariantError{msg: fmt.Sprintf("invalid transition: %s -> %s", c.phase, to)}
	}
	from := c.phase
	c.phase = to
	if context == nil {
		context = map[string]any{}
	}
	c.emitter.Emit(signals.PhaseTransition, map[string]any{
		"from_phase": string(from),
		"to_phase":   string(to),
		"context":    context,
	})
	return nil
}

func (c *Conduit) globalTimeoutExceeded() bool {
	return time.Since(c.startTime) > time.Duration(c.cfg.Timeouts.GlobalTimeoutS)*time.Second
}

func (c *Conduit) backoff(ctx context.Context) {
	seed := backoffSeed(c.runID, c.phase, c.attempts)
	sleepWithContext(ctx, DelayForAttempt(c.attempts, c.cfg.Retry, c.cfg.JitterEnabled(), seed))
}

// Run executes the full lifecycle. The returned error is non-nil only for
// fatal invariant violations; runtime failures end in a "failed" Result.
func (c *Conduit) Run(ctx context.Context) (*Result, error) {
	c.startTime = time.Now()

	var invariant error
	c.phaseInit(ctx)

	for !Terminal(c.phase) {
		if ctx.Err() != nil {
			c.fail("Run cancelled")
			break
		}
		if c.globalTimeoutExceeded() {
			c.fail("Global timeout exceeded")
			break
		}

		var err error
		switch c.phase {
		case PhaseNavigate:
			err = c.phaseNavigate(ctx)
		case PhaseAssess:
			err = c.phaseAssess(ctx)
		case PhaseObstruct:
			err = c.phaseObstruct(ctx)
		case PhaseAIReason:
			err = c.phaseAIReason(ctx)
		case PhaseExecutePlan:
			err = c.phaseExecutePlan(ctx)
		case PhaseExtract:
			err = c.phaseExtract(ctx)
		case PhaseValidate:
			err = c.phaseValidate(ctx)
		case PhaseRepair:
			err = c.phaseRepair(ctx)
		case PhasePersist:
			err = c.phasePersist(ctx)
		default:
			err = &InvariantError{msg: fmt.Sprintf("no handler for phase %s", c.phase)}
		}
		if err != nil {
			if ie, ok := err.(*InvariantError); ok {
				invariant = ie
				break
			}
			if !Terminal(c.phase) {
				c.fail(fmt.Sprintf("Unhandled error: %v", err))
			}
			break
		}
	}

	c.cleanup(ctx)

	elapsed := time.Since(c.startTime)
	status := "failed"
	if c.phase == PhaseComplete {
		status = "complete"
	}
	res := &Result{
		RunID:        c.runID,
		Status:       status,
		Phase:        string(c.phase),
		RecordsCount: len(c.pipeline.ProcessedRecords()),
		DurationS:    float64(elapsed.Round(10*time.Millisecond)) / float64(time.Second),
		AICalls:      c.aiCalls,
		SignalsCount: c.emitter.Count(),
	}
	return res, invariant
}

// INIT: validate config, start the browser, optionally bring up the AI.
func (c *Conduit) phaseInit(ctx context.Context) {
	if err := c.browser.Start(ctx); err != nil {
		c.fail(fmt.Sprintf("Initialization failed: %v", err))
		return
	}
	if c.cfg.ExtractionMode == config.ModeAI || c.cfg.ExtractionMode == config.ModeHybrid {
		c.engine.Initialize()
	}
	if err := c.transition(PhaseNavigate, map[string]any{"target_url": c.cfg.TargetURL}); err != nil {
		c.fail(fmt.Sprintf("Initialization failed: %v", err))
	}
}

// NAVIGATE: load the target URL; failures consume retries with backoff.
func (c *Conduit) phaseNavigate(ctx context.Context) error {
	result := c.browser.Navigate(ctx, c.cfg.TargetURL)
	if result.OK() {
		c.interactionTrace = append(c.interactionTrace, "navigate:"+c.cfg.TargetURL)
		return c.transition(PhaseAssess, nil)
	}

	if c.attempts < c.cfg.Retry.MaxRetries {
		c.attempts++
		c.emitter.Emit(signals.RetryAttempt, map[string]any{
			"attempt_number": c.attempts,
			"max_attempts":   c.cfg.Retry.MaxRetries,
			"reason":         "Navigation failed: " + result.Detail,
		})
		c.backoff(ctx)
		// Stay in NAVIGATE; the loop re-enters this handler.
		return nil
	}
	c.fail(fmt.Sprintf("Navigation failed after %d attempts: %s", c.attempts, result.Detail))
	return nil
}

// ASSESS: capture the DOM and decide whether content is accessible.
func (c *Conduit) phaseAssess(ctx context.Context) error {
	dom, err := c.browser.CaptureDOM(ctx)
	if err != nil || dom == nil {
		c.fail("Failed to capture DOM snapshot")
		return nil
	}
	c.currentDOM = dom

	obstruction := browser.DetectObstruction(dom.HTML)
	switch obstruction.Type {
	case browser.NoObstruction:
		return c.transition(PhaseExtract, nil)
	case browser.HardBlock:
		c.emitter.Emit(signals.ObstructionDetected, map[string]any{
			"obstruction_type": string(obstruction.Type),
			"dom_hash":         dom.DOMHash,
			"confidence":       obstruction.Confidence,
		})
		c.fail("Hard block detected: " + string(obstruction.Type))
		return nil
	default:
		c.emitter.Emit(signals.ObstructionDetected, map[string]any{
			"obstruction_type": string(obstruction.Type),
			"dom_hash":         dom.DOMHash,
			"confidence":       obstruction.Confidence,
			"selector":         obstruction.Selector,
		})
		return c.transition(PhaseObstruct, map[string]any{
			"obstruction_type": string(obstruction.Type),
			"requires_ai":      obstruction.RequiresAI,
		})
	}
}

// OBSTRUCT: try heuristic resolution on the cached DOM; escalate to the AI
// or consume a retry when heuristics cannot clear the page.
func (c *Conduit) phaseObstruct(ctx context.Context) error {
	if c.currentDOM == nil {
		c.fail("No DOM available for obstruction handling")
		return nil
	}
	obstruction := browser.DetectObstruction(c.currentDOM.HTML)

	if !obstruction.RequiresAI && obstruction.Selector != "" {
		result := c.browser.Click(ctx, obstruction.Selector)
		c.emitter.Emit(signals.ActionExecuted, map[string]any{
			"action_type": "click",
			"selector":    obstruction.Selector,
			"result":      string(result.Status),
		})
		if result.OK() {
			c.interactionTrace = append(c.interactionTrace, "click:"+obstruction.Selector)
			c.attempts = 0
			return c.transition(PhaseNavigate, nil)
		}
	}

	if c.engine.Available() {
		return c.transition(PhaseAIReason, map[string]any{
			"obstruction_type": string(obstruction.Type),
		})
	}
	if c.attempts < c.cfg.Retry.MaxRetries {
		c.attempts++
		c.emitter.Emit(signals.RetryAttempt, map[string]any{
			"attempt_number": c.attempts,
			"max_attempts":   c.cfg.Retry.MaxRetries,
			"reason":         "Obstruction unresolvable without AI",
		})
		c.backoff(ctx)
		return c.transition(PhaseNavigate, nil)
	}
	c.fail("Obstruction unresolvable: AI not available and retries exhausted")
	return nil
}

// AI_REASON: request a navigation plan and validate every proposed action
// against the allowlist before it can reach the browser.
func (c *Conduit) phaseAIReason(ctx context.Context) error {
	if c.currentDOM == nil {
		c.fail("No DOM available for AI reasoning")
		return nil
	}
	obstruction := browser.DetectObstruction(c.currentDOM.HTML)

	c.emitter.Emit(signals.AIInvoked, map[string]any{
		"request_type":  "navigation_plan",
		"dom_size":      len(c.currentDOM.HTML),
		"phase_context": string(obstruction.Type),
	})

	start := time.Now()
	plan := c.engine.GenerateNavigationPlan(ctx, c.currentDOM.HTML, string(obstruction.Type), c.cfg.ExtractionSchema, c.priorAIAttempts)
	c.aiCalls++

	c.emitter.Emit(signals.AIResponded, map[string]any{
		"response_type":        "navigation_plan",
		"function_calls_count": len(plan.Actions),
		"latency_ms":           time.Since(start).Milliseconds(),
		"confidence":           plan.Confidence,
	})

	if len(plan.Actions) == 0 {
		c.priorAIAttempts = append(c.priorAIAttempts, "AI returned empty plan")
		if c.attempts < c.cfg.Retry.MaxRetries {
			c.attempts++
			c.emitter.Emit(signals.RetryAttempt, map[string]any{
				"attempt_number": c.attempts,
				"max_attempts":   c.cfg.Retry.MaxRetries,
				"reason":         "AI returned empty plan",
			})
			// Re-enter the loop through EXECUTE_PLAN with nothing pending;
			// it falls through to a fresh ASSESS.
			c.pendingPlan = nil
			return c.transition(PhaseExecutePlan, nil)
		}
		c.fail("AI returned empty plan after retries")
		return nil
	}

	targetHost := ""
	if parsed, err := url.Parse(c.cfg.TargetURL); err == nil {
		targetHost = parsed.Hostname()
	}
	var validated []ai.FunctionCall
	for _, action := range plan.Actions {
		if err := ai.ValidateFunctionCall(action, c.cfg.AllowCrossOrigin, targetHost); err != nil {
			c.emitter.Emit(signals.AIRejected, map[string]any{
				"reason":          err.Error(),
				"rejected_action": action.Function,
				"phase_context":   "AI_REASON",
			})
			continue
		}
		validated = append(validated, action)
	}

	if len(validated) == 0 {
		c.priorAIAttempts = append(c.priorAIAttempts, "All AI actions were rejected by validation")
		c.fail("All AI-generated actions rejected by allowlist validation")
		return nil
	}
	// Circuit breaker holds even if the engine failed to cap.
	if len(validated) > ai.MaxFunctionCallsPerInvocation {
		validated = validated[:ai.MaxFunctionCallsPerInvocation]
	}

	c.pendingPlan = validated
	return c.transition(PhaseExecutePlan, nil)
}

// EXECUTE_PLAN: run validated actions in order; stop at the first failure.
func (c *Conduit) phaseExecutePlan(ctx context.Context) error {
	if len(c.pendingPlan) == 0 {
		return c.transition(PhaseAssess, nil)
	}

	for _, action := range c.pendingPlan {
		result := c.executeAction(ctx, action)
		selector, _ := action.Parameters["selector"].(string)
		c.emitter.Emit(signals.ActionExecuted, map[string]any{
			"action_type": action.Function,
			"selector":    selector,
			"result":      result,
		})
		if result != string(browser.StatusSuccess) {
			c.priorAIAttempts = append(c.priorAIAttempts,
				fmt.Sprintf("Action %s(%v) failed: %s", action.Function, action.Parameters, result))
			break
		}
		c.interactionTrace = append(c.interactionTrace,
			fmt.Sprintf("%s:%v", action.Function, action.Parameters))
	}

	c.pendingPlan = nil
	c.attempts = 0
	return c.transition(PhaseAssess, nil)
}

// executeAction dispatches one validated call to the browser and returns
// the result status string.
func (c *Conduit) executeAction(ctx context.Context, action ai.FunctionCall) string {
	params := action.Parameters
	str := func(key string) string {
		v, _ := params[key].(string)
		return v
	}

	var r browser.ActionResult
	switch action.Function {
	case "click":
		r = c.browser.Click(ctx, str("selector"))
	case "scroll":
		direction := str("direction")
		amount := str("amount")
		if direction == "" {
			direction = "down"
		}
		if amount == "" {
			amount = "page"
		}
		r = c.browser.Scroll(ctx, direction, amount)
	case "fill_form":
		r = c.browser.FillForm(ctx, str("selector"), str("value"))
	case "hover":
		r = c.browser.Hover(ctx, str("selector"))
	case "press_key":
		r = c.browser.PressKey(ctx, str("key"))
	case "wait_for":
		r = c.browser.WaitFor(ctx, str("selector"))
	case "navigate_url":
		target := str("url")
		if !c.cfg.AllowCrossOrigin {
			current, err1 := url.Parse(c.cfg.TargetURL)
			proposed, err2 := url.Parse(target)
			if err1 != nil || err2 != nil {
				return string(browser.StatusFailure)
			}
			// Cross-origin navigation fails without touching the browser.
			if proposed.Host != "" && proposed.Host != current.Host {
				return string(browser.StatusFailure)
			}
		}
		r = c.browser.Navigate(ctx, target)
	default:
		telemetry.Emit(c.logger, telemetry.Event{
			Code:       telemetry.ConduitActionExecutionFailed,
			Message:    "validated action has no executor: " + action.Function,
			Suppressed: true,
			RunID:      c.runID,
			Phase:      string(c.phase),
		})
		return string(browser.StatusFailure)
	}
	return string(r.Status)
}

// EXTRACT: raw-capture the page, then run the configured extraction passes.
func (c *Conduit) phaseExtract(ctx context.Context) error {
	if c.currentDOM == nil {
		dom, err := c.browser.CaptureDOM(ctx)
		if err != nil || dom == nil {
			c.fail("Failed to capture DOM for extraction")
			return nil
		}
		c.currentDOM = dom
	}

	var screenshot []byte
	if c.cfg.Pipeline.DebugMode {
		screenshot, _ = c.browser.Screenshot(ctx)
	}
	c.pipeline.CaptureRaw(c.currentDOM.HTML, c.currentDOM.URL, c.currentDOM.DOMHash, c.interactionTrace, screenshot)

	switch {
	case c.cfg.ExtractionMode == config.ModeHeuristic && len(c.cfg.HeuristicSelectors) > 0:
		c.extractHeuristic()
	case c.cfg.ExtractionMode == config.ModeAI && c.engine.Available():
		c.extractAI(ctx)
	case c.cfg.ExtractionMode == config.ModeHybrid:
		c.extractHybrid(ctx)
	case len(c.cfg.HeuristicSelectors) > 0:
		c.extractHeuristic()
	default:
		if c.engine.Available() {
			c.extractAI(ctx)
		} else {
			c.fail("No extraction configuration: no selectors and AI unavailable")
			return nil
		}
	}

	return c.transition(PhaseValidate, nil)
}

func (c *Conduit) extractHeuristic() {
	records, err := pipeline.Extract(c.currentDOM.HTML, c.cfg.HeuristicSelectors, c.currentDOM.URL, c.currentDOM.DOMHash)
	if err != nil {
		return
	}
	for _, rec := range records {
		c.pipeline.AddProcessedRecord(rec)
	}
}

func (c *Conduit) extractAI(ctx context.Context) {
	c.emitter.Emit(signals.AIInvoked, map[string]any{
		"request_type":  "extraction",
		"dom_size":      len(c.currentDOM.HTML),
		"phase_context": "EXTRACT",
	})

	start := time.Now()
	result := c.engine.ExtractStructured(ctx, c.currentDOM.HTML, c.cfg.ExtractionSchema, c.currentDOM.URL)
	c.aiCalls++

	c.emitter.Emit(signals.AIResponded, map[string]any{
		"response_type":        "extraction",
		"function_calls_count": 0,
		"latency_ms":           time.Since(start).Milliseconds(),
		"duplicates_detected":  result.DuplicatesDetected,
	})

	c.addAIRecords(result, 0.7)
}

// addAIRecords normalizes AI record maps into FieldValues at a single choke
// point: a field may arrive as a scalar or as a {value, confidence} object.
func (c *Conduit) addAIRecords(result ai.ExtractionResult, defaultConfidence float64) {
	for _, raw := range result.Records {
		fields := make(map[string]pipeline.FieldValue, len(raw))
		for key, value := range raw {
			if obj, ok := value.(map[string]any); ok {
				if inner, has := obj["value"]; has {
					confidence := defaultConfidence
					if cf, ok := obj["confidence"].(float64); ok {
						confidence = cf
					}
					selector, _ := obj["source_selector"].(string)
					fields[key] = pipeline.NewFieldValue(inner, confidence, selector)
					continue
				}
			}
			fields[key] = pipeline.NewFieldValue(value, defaultConfidence, "")
		}
		c.pipeline.AddProcessedRecord(pipeline.ExtractionRecord{
			Fields: fields,
			Metadata: pipeline.RecordMetadata{
				SourceURL:      c.currentDOM.URL,
				DOMHash:        c.currentDOM.DOMHash,
				ExtractedAt:    time.Now().UTC(),
				AIModel:        c.cfg.AI.Model,
				ExtractionMode: "ai",
			},
			CompletenessScore: result.CompletenessScore,
		})
	}
}

// extractHybrid runs heuristics first, then lets the AI fill gaps when the
// heuristic pass came back partial. The AI pass is additive.
func (c *Conduit) extractHybrid(ctx context.Context) {
	if len(c.cfg.HeuristicSelectors) > 0 {
		c.extractHeuristic()
	}
	records := c.pipeline.ProcessedRecords()
	anyPartial := false
	for _, r := range records {
		if r.IsPartial {
			anyPartial = true
			break
		}
	}
	if len(records) > 0 && anyPartial && c.engine.Available() {
		c.extractAI(ctx)
	}
}

// VALIDATE: gate on record count and confidence before persisting.
func (c *Conduit) phaseValidate(ctx context.Context) error {
	records := c.pipeline.ProcessedRecords()

	if len(records) == 0 {
		if c.attempts < c.cfg.Retry.MaxRetries {
			c.attempts++
			c.emitter.Emit(signals.RetryAttempt, map[string]any{
				"attempt_number": c.attempts,
				"max_attempts":   c.cfg.Retry.MaxRetries,
				"reason":         "No records extracted",
			})
			if c.engine.Available() {
				return c.transition(PhaseRepair, nil)
			}
			c.fail("No records extracted and no AI available for repair")
			return nil
		}
		c.fail("No records extracted after maximum attempts")
		return nil
	}

	minThreshold := c.cfg.Pipeline.MinConfidenceThreshold
	flagged := 0
	totalFields := 0
	confidenceSum := 0.0
	for _, record := range records {
		recordSum := 0.0
		for _, field := range record.Fields {
			if field.Confidence < minThreshold {
				flagged++
			}
			recordSum += field.Confidence
		}
		totalFields += len(record.Fields)
		if len(record.Fields) > 0 {
			confidenceSum += recordSum / float64(len(record.Fields))
		}
	}

	if flagged > 0 && totalFields > 0 && float64(flagged)/float64(totalFields) > 0.5 && c.engine.Available() {
		if c.attempts < c.cfg.Retry.MaxRetries {
			c.attempts++
			return c.transition(PhaseRepair, nil)
		}
	}

	c.emitter.Emit(signals.ExtractionComplete, map[string]any{
		"record_count":   len(records),
		"confidence_avg": confidenceSum / float64(len(records)),
		"schema_valid":   true,
		"flagged_fields": flagged,
	})
	return c.transition(PhasePersist, nil)
}

// REPAIR: ask the AI to complete partial or malformed extraction.
func (c *Conduit) phaseRepair(ctx context.Context) error {
	if !c.engine.Available() || c.currentDOM == nil {
		c.fail("Cannot repair: AI unavailable or no DOM")
		return nil
	}

	partial := map[string]any{}
	if records := c.pipeline.ProcessedRecords(); len(records) > 0 {
		partial["records"] = records
	}

	c.emitter.Emit(signals.AIInvoked, map[string]any{
		"request_type": "repair",
		"dom_size":     len(c.currentDOM.HTML),
	})

	start := time.Now()
	result := c.engine.RepairExtraction(ctx, partial, c.cfg.ExtractionSchema, c.currentDOM.HTML)
	c.aiCalls++

	c.emitter.Emit(signals.AIResponded, map[string]any{
		"response_type": "repair",
		"latency_ms":    time.Since(start).Milliseconds(),
	})

	c.addAIRecords(result, 0.6)
	return c.transition(PhaseValidate, nil)
}

// PERSIST: atomically write the batch, emit RUN_COMPLETE, finish.
func (c *Conduit) phasePersist(ctx context.Context) error {
	meta := pipeline.RunMetadata{
		RunID:          c.runID,
		TargetURL:      c.cfg.TargetURL,
		StartedAt:      c.startTime.UTC(),
		ExtractionMode: string(c.cfg.ExtractionMode),
		TotalSignals:   c.emitter.Count(),
		Status:         "complete",
	}
	count, err := c.pipeline.Persist(meta)
	if err != nil {
		c.fail(fmt.Sprintf("Persist failed: %v", err))
		return nil
	}

	c.emitter.Emit(signals.RunComplete, map[string]any{
		"total_records":    count,
		"total_duration_s": time.Since(c.startTime).Seconds(),
		"ai_calls_count":   c.aiCalls,
	})
	return c.transition(PhaseComplete, nil)
}

// fail enters FAIL exactly once with full context. Safe to call from any
// non-terminal phase.
func (c *Conduit) fail(reason string) {
	if Terminal(c.phase) {
		return
	}
	phaseAtFailure := c.phase
	c.phase = PhaseFail
	c.emitter.Emit(signals.RunFailed, map[string]any{
		"failure_reason":   reason,
		"phase_at_failure": string(phaseAtFailure),
		"attempts_made":    c.attempts,
	})
}

func (c *Conduit) cleanup(ctx context.Context) {
	if err := c.browser.Stop(ctx); err != nil {
		telemetry.Emit(c.logger, telemetry.Event{
			Code:       telemetry.BrowserCleanupFailed,
			Message:    err.Error(),
			Suppressed: true,
			RunID:      c.runID,
			Phase:      string(c.phase),
		})
	}
}
