// Package browser renders pages and executes typed interaction commands.
// It has no decision-making authority: it never navigates or interacts on
// its own, and it reports every outcome as a typed ActionResult instead of
// letting driver failures escape.
package browser

import "context"

type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailure ActionStatus = "failure"
	StatusTimeout ActionStatus = "timeout"
)

// ActionResult is the outcome of one browser action.
type ActionResult struct {
	Status ActionStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

func (r ActionResult) OK() bool { return r.Status == StatusSuccess }

func success(detail string) ActionResult { return ActionResult{Status: StatusSuccess, Detail: detail} }
func failure(detail string) ActionResult { return ActionResult{Status: StatusFailure, Detail: detail} }

// Snapshot is a cleaned DOM capture. HTML has scripts, styles, and hidden
// elements stripped; DOMHash is computed over the cleaned HTML.
type Snapshot struct {
	HTML    string `json:"html"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	DOMHash string `json:"dom_hash"`
}

// Layer is the command surface the run loop drives. Implementations execute
// exactly what they are told and nothing else.
type Layer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Navigate(ctx context.Context, url string) ActionResult
	Click(ctx context.Context, selector string) ActionResult
	Scroll(ctx context.Context, direction, amount string) ActionResult
	FillForm(ctx context.Context, selector, value string) ActionResult
	Hover(ctx context.Context, selector string) ActionResult
	PressKey(ctx context.Context, key string) ActionResult
	WaitFor(ctx context.Context, selector string) ActionResult

	CaptureDOM(ctx context.Context) (*Snapshot, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// RestartContext is crash recovery: a fresh page in a fresh context.
	RestartContext(ctx context.Context) ActionResult
}
