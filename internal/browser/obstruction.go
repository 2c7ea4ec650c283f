package browser

import "strings"

// ObstructionType classifies what is standing between the run and the
// content it wants.
type ObstructionType string

const (
	ConsentGate      ObstructionType = "CONSENT_GATE"
	ContentReveal    ObstructionType = "CONTENT_REVEAL"
	MultiClickFlow   ObstructionType = "MULTI_CLICK_FLOW"
	DynamicLoad      ObstructionType = "DYNAMIC_LOAD"
	JSRouting        ObstructionType = "JS_ROUTING"
	BehavioralPuzzle ObstructionType = "BEHAVIORAL_PUZZLE"
	HardBlock        ObstructionType = "HARD_BLOCK"
	NoObstruction    ObstructionType = "NONE"
)

// ObstructionResult is the outcome of heuristic detection.
type ObstructionResult struct {
	Type       ObstructionType `json:"obstruction_type"`
	Confidence float64         `json:"confidence"`
	Selector   string          `json:"selector,omitempty"`
	RequiresAI bool            `json:"requires_ai"`
}

// Known cookie/consent banner selectors (common consent platforms plus
// generic patterns).
var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	".onetrust-accept-btn-handler",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	`[id*="cookie"] [class*="accept"]`,
	`[id*="cookie"] [class*="agree"]`,
	`[id*="consent"] [class*="accept"]`,
	`[id*="consent"] [class*="agree"]`,
	`[class*="cookie-banner"] button`,
	`[class*="cookie-consent"] button`,
	`[class*="gdpr"] [class*="accept"]`,
	`button[class*="accept-cookie"]`,
	`button[class*="cookie-accept"]`,
	`a[class*="accept-cookie"]`,
	`[aria-label*="accept" i][aria-label*="cookie" i]`,
	`[aria-label*="consent" i]`,
}

// Selectors that indicate hard blocks.
var hardBlockIndicators = []string{
	`[class*="captcha"]`,
	`[id*="captcha"]`,
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	`[class*="login-wall"]`,
	`[class*="paywall"]`,
	`[id*="login-gate"]`,
}

// Selectors for content reveal patterns.
var contentRevealSelectors = []string{
	`[class*="read-more"]`,
	`[class*="show-more"]`,
	`[class*="expand"]`,
	`button[class*="accordion"]`,
	`[data-toggle="collapse"]`,
	"details > summary",
}

// selectorToHTMLPattern normalizes a CSS selector to a substring findable in
// raw HTML: #id -> id="id", .class -> class, [attr*="val"] -> val.
func selectorToHTMLPattern(selector string) string {
	s := strings.ToLower(strings.TrimSpace(selector))
	if strings.HasPrefix(s, "#") {
		return `id="` + s[1:] + `"`
	}
	if strings.HasPrefix(s, ".") {
		return s[1:]
	}
	s = strings.Trim(s, "[]")
	if i := strings.LastIndex(s, "*="); i >= 0 {
		s = s[i+2:]
	}
	s = strings.Trim(s, `"`)
	return strings.Trim(s, "'")
}

// DetectObstruction is the first-pass, AI-free classifier. Hard blocks are
// checked before consent gates, consent gates before reveal patterns; the
// first match wins. An unclassified page escalates to the AI.
func DetectObstruction(html string) ObstructionResult {
	htmlLower := strings.ToLower(html)

	for _, indicator := range hardBlockIndicators {
		if strings.Contains(htmlLower, selectorToHTMLPattern(indicator)) {
			return ObstructionResult{Type: HardBlock, Confidence: 0.8}
		}
	}
	for _, selector := range consentSelectors {
		if strings.Contains(htmlLower, selectorToHTMLPattern(selector)) {
			return ObstructionResult{Type: ConsentGate, Confidence: 0.7, Selector: selector}
		}
	}
	for _, selector := range contentRevealSelectors {
		if strings.Contains(htmlLower, selectorToHTMLPattern(selector)) {
			// May need the AI to decide which element to activate.
			return ObstructionResult{Type: ContentReveal, Confidence: 0.6, Selector: selector, RequiresAI: true}
		}
	}
	return ObstructionResult{Type: NoObstruction, Confidence: 1.0}
}
