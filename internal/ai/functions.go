// Package ai is the sidecar reasoning client: intelligence without
// authority. It is invoked with context, returns structured decisions, and
// cannot act on the browser or the pipeline itself. Every function call it
// proposes passes through the allowlist in this file before execution.
package ai

import (
	"fmt"
	"net/url"
	"strings"
)

// FunctionCall is one structured action proposed by the model.
type FunctionCall struct {
	Function        string         `json:"function"`
	Parameters      map[string]any `json:"parameters"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Fallback        string         `json:"fallback,omitempty"`
}

// Maximum function calls accepted from a single invocation (circuit breaker).
const MaxFunctionCallsPerInvocation = 20

var allowedNavigationFunctions = map[string]bool{
	"click":        true,
	"scroll":       true,
	"fill_form":    true,
	"hover":        true,
	"press_key":    true,
	"wait_for":     true,
	"navigate_url": true,
}

var allowedAssessmentFunctions = map[string]bool{
	"classify_page":           true,
	"classify_obstruction":    true,
	"identify_content_region": true,
	"assess_completeness":     true,
}

var allowedExtractionFunctions = map[string]bool{
	"extract_structured":      true,
	"repair_extraction":       true,
	"deduplicate":             true,
	"convert_prose_to_fields": true,
}

// AllowedFunction reports whether name is on the closed allowlist.
func AllowedFunction(name string) bool {
	return allowedNavigationFunctions[name] ||
		allowedAssessmentFunctions[name] ||
		allowedExtractionFunctions[name]
}

// ValidateFunctionCall is the trust boundary between model output and
// execution. It returns nil only when the call names an allowed function
// with well-formed parameters. targetHost is the host of the page the run
// is on; navigate_url to a different host is rejected unless
// allowCrossOrigin is set.
func ValidateFunctionCall(call FunctionCall, allowCrossOrigin bool, targetHost string) error {
	if !AllowedFunction(call.Function) {
		// Reason strings are part of the AI_REJECTED payload contract.
		return fmt.Errorf("Unknown function: %s", call.Function)
	}

	switch call.Function {
	case "click":
		if s, _ := call.Parameters["selector"].(string); s == "" {
			return fmt.Errorf("click requires 'selector' parameter")
		}
	case "scroll":
		direction, _ := call.Parameters["direction"].(string)
		if direction != "up" && direction != "down" {
			return fmt.Errorf("scroll direction must be 'up' or 'down', got %q", direction)
		}
	case "fill_form":
		selector, _ := call.Parameters["selector"].(string)
		value, hasValue := call.Parameters["value"].(string)
		if selector == "" || !hasValue {
			return fmt.Errorf("fill_form requires 'selector' and 'value' parameters")
		}
		_ = value
	case "hover", "wait_for":
		if s, _ := call.Parameters["selector"].(string); s == "" {
			return fmt.Errorf("%s requires 'selector' parameter", call.Function)
		}
	case "press_key":
		if k, _ := call.Parameters["key"].(string); k == "" {
			return fmt.Errorf("press_key requires 'key' parameter")
		}
	case "navigate_url":
		raw, _ := call.Parameters["url"].(string)
		if raw == "" {
			return fmt.Errorf("navigate_url requires a non-empty 'url' parameter")
		}
		if !allowCrossOrigin && targetHost != "" {
			parsed, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("navigate_url has unparseable url: %v", err)
			}
			if !strings.EqualFold(parsed.Hostname(), targetHost) {
				return fmt.Errorf("navigate_url to %q is cross-origin (current host %q)", parsed.Hostname(), targetHost)
			}
		}
	}
	return nil
}
