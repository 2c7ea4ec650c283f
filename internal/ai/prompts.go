package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxDOMChars bounds the DOM excerpt sent with any prompt.
const maxDOMChars = 50000

// truncateDOM trims HTML to the prompt budget, counting characters rather
// than bytes so multi-byte text is not cut mid-rune.
func truncateDOM(html string) string {
	runes := []rune(html)
	if len(runes) <= maxDOMChars {
		return html
	}
	return string(runes[:maxDOMChars])
}

func classifyPagePrompt(domHTML string) string {
	return "Analyze this HTML page and classify its state.\n" +
		"Return a JSON object with:\n" +
		"- page_state: one of CONTENT_VISIBLE, GATED, BLOCKED, ERROR, LOADING, REDIRECT, EMPTY\n" +
		"- confidence: float 0.0-1.0\n" +
		"- content_regions_detected: integer count of main content areas\n" +
		"- obstruction_indicators: list of strings describing any obstructions\n\n" +
		"HTML:\n" + truncateDOM(domHTML)
}

func navigationPlanPrompt(domHTML, obstructionType string, targetSchema map[string]any, priorAttempts []string) string {
	schemaJSON, _ := json.Marshal(targetSchema)

	var attempts strings.Builder
	if len(priorAttempts) > 0 {
		attempts.WriteString("\nPrior failed attempts:\n")
		for _, a := range priorAttempts {
			fmt.Fprintf(&attempts, "- %s\n", a)
		}
	}

	return fmt.Sprintf(
		"You are navigating a web page that has an obstruction of type: %s\n"+
			"Target extraction schema: %s\n"+
			"%s\n\n"+
			"Generate a navigation plan as a list of browser actions.\n"+
			"Each action must be one of: click, scroll, fill_form, hover, press_key, wait_for, navigate_url.\n"+
			"Return JSON with: actions (list of {function, parameters, expected_outcome}), "+
			"estimated_steps (int), confidence (float 0-1).\n\n"+
			"HTML:\n%s",
		obstructionType, schemaJSON, attempts.String(), truncateDOM(domHTML),
	)
}

func extractStructuredPrompt(domHTML string, schema map[string]any, sourceURL string) string {
	schemaJSON, _ := json.Marshal(schema)
	return fmt.Sprintf(
		"Extract structured data from this HTML according to the given schema.\n"+
			"Schema: %s\n"+
			"Source URL: %s\n\n"+
			"Return JSON with:\n"+
			"- records: list of objects matching the schema fields\n"+
			"- completeness_score: float 0-1\n"+
			"- duplicates_detected: integer\n\n"+
			"HTML:\n%s",
		schemaJSON, sourceURL, truncateDOM(domHTML),
	)
}

func repairExtractionPrompt(partial map[string]any, schema map[string]any, domHTML string) string {
	partialJSON, _ := json.Marshal(partial)
	schemaJSON, _ := json.Marshal(schema)
	return fmt.Sprintf(
		"The following extraction is incomplete or has errors. Repair it using the DOM content.\n\n"+
			"Partial data: %s\n"+
			"Target schema: %s\n\n"+
			"Return JSON with:\n"+
			"- records: list of objects matching the schema fields\n"+
			"- completeness_score: float 0-1\n"+
			"- duplicates_detected: integer\n\n"+
			"HTML:\n%s",
		partialJSON, schemaJSON, truncateDOM(domHTML),
	)
}

// stripJSONFences removes a surrounding markdown code fence when the model
// wraps its JSON reply in one.
func stripJSONFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
