package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/strongdm/conduit/internal/browser"
	"github.com/strongdm/conduit/internal/conduit"
	"github.com/strongdm/conduit/internal/config"
	"github.com/strongdm/conduit/internal/pipeline"
	"github.com/strongdm/conduit/internal/signals"
)

const stubPage = `<html><head><title>Example</title></head><body><h1>Hello World</h1><p class="desc">Body text</p></body></html>`

// stubBrowser satisfies browser.Layer with a canned page. When blockNav is
// set, Navigate parks until the channel closes or the context ends.
type stubBrowser struct {
	html     string
	blockNav chan struct{}
}

func (b *stubBrowser) Start(ctx context.Context) error { return nil }
func (b *stubBrowser) Stop(ctx context.Context) error  { return nil }

func (b *stubBrowser) Navigate(ctx context.Context, url string) browser.ActionResult {
	if b.blockNav != nil {
		select {
		case <-ctx.Done():
			return browser.ActionResult{Status: browser.StatusFailure, Detail: "cancelled"}
		case <-b.blockNav:
		}
	}
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) Click(ctx context.Context, selector string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) Scroll(ctx context.Context, direction, amount string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) FillForm(ctx context.Context, selector, value string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) Hover(ctx context.Context, selector string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) PressKey(ctx context.Context, key string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) WaitFor(ctx context.Context, selector string) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func (b *stubBrowser) CaptureDOM(ctx context.Context) (*browser.Snapshot, error) {
	return browser.NewSnapshot(b.html, "https://example.com/page", "Example")
}

func (b *stubBrowser) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

func (b *stubBrowser) RestartContext(ctx context.Context) browser.ActionResult {
	return browser.ActionResult{Status: browser.StatusSuccess}
}

func newTestServer(t *testing.T, factory func() browser.Layer) (*Server, *httptest.Server) {
	t.Helper()
	base := config.Default("")
	base.Pipeline.DataDir = t.TempDir()
	base.HeuristicSelectors = map[string]string{"title": "h1", "description": "p.desc"}
	f := false
	// Stay off DNS in tests.
	base.URLPolicy.BlockPrivateIPs = &f
	base.Retry.BackoffBaseMS = 1
	base.Retry.BackoffMaxMS = 2

	s := New(Config{Addr: ":0", Base: base, Logger: zap.NewNop()})
	s.newRun = func(cfg *config.Config) (*conduit.Conduit, error) {
		return conduit.New(cfg, zap.NewNop(), conduit.WithBrowser(factory()))
	}
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.registry.CancelAll("test teardown") })
	return s, ts
}

func submitRun(t *testing.T, ts *httptest.Server, body map[string]any) (string, *http.Response) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post /runs: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", resp
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	resp.Body.Close()
	return out["run_id"], resp
}

func waitForTerminal(t *testing.T, ts *httptest.Server, runID string) RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/runs/" + runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		var status RunStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		resp.Body.Close()
		if status.State != "running" {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return RunStatus{}
}

func TestSubmitRunCompletesAndServesArtifacts(t *testing.T) {
	_, ts := newTestServer(t, func() browser.Layer { return &stubBrowser{html: stubPage} })

	runID, resp := submitRun(t, ts, map[string]any{"target_url": "https://example.com"})
	if runID == "" {
		t.Fatalf("submit failed with status %d", resp.StatusCode)
	}

	status := waitForTerminal(t, ts, runID)
	if status.State != "complete" {
		t.Fatalf("state = %q, reason = %q", status.State, status.FailureReason)
	}
	if status.RecordsCount != 1 {
		t.Fatalf("records_count = %d", status.RecordsCount)
	}

	// Signals endpoint returns the full ordered stream.
	resp, err := http.Get(ts.URL + "/runs/" + runID + "/signals")
	if err != nil {
		t.Fatalf("get signals: %v", err)
	}
	var sigBody struct {
		RunID   string           `json:"run_id"`
		Signals []signals.Signal `json:"signals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sigBody); err != nil {
		t.Fatalf("decode signals: %v", err)
	}
	resp.Body.Close()
	if len(sigBody.Signals) == 0 {
		t.Fatal("no signals returned")
	}
	if sigBody.Signals[0].Sequence() != 1 || sigBody.Signals[0].Type() != signals.PhaseTransition {
		t.Fatalf("first signal = %d %s", sigBody.Signals[0].Sequence(), sigBody.Signals[0].Type())
	}

	// Records endpoint serves the persisted batch.
	resp, err = http.Get(ts.URL + "/runs/" + runID + "/records")
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	var recBody struct {
		Records []pipeline.ExtractionRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&recBody); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	resp.Body.Close()
	if len(recBody.Records) != 1 {
		t.Fatalf("records = %d", len(recBody.Records))
	}
	if got := recBody.Records[0].Fields["title"].Value; got != "Hello World" {
		t.Fatalf("title = %v", got)
	}

	// The finished run is searchable for grounding.
	resp, err = http.Get(ts.URL + "/grounding/search?q=Hello")
	if err != nil {
		t.Fatalf("grounding search: %v", err)
	}
	var search SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	resp.Body.Close()
	if len(search.Results) != 1 {
		t.Fatalf("search results = %d", len(search.Results))
	}
	if search.Results[0].URI != "https://example.com" {
		t.Fatalf("search uri = %q", search.Results[0].URI)
	}
}

func TestSubmitRunRejectsDisallowedTargets(t *testing.T) {
	_, ts := newTestServer(t, func() browser.Layer { return &stubBrowser{html: stubPage} })

	for _, target := range []string{
		"ftp://example.com/files",
		"https://localhost/admin",
		"https://printer.local/status",
		"not a url at all ://",
	} {
		_, resp := submitRun(t, ts, map[string]any{"target_url": target})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("target %q: status %d, want 400", target, resp.StatusCode)
		}
		resp.Body.Close()
	}

	_, resp := submitRun(t, ts, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing target_url: status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConcurrencyLimitReturnsTooManyRequests(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	_, ts := newTestServer(t, func() browser.Layer {
		return &stubBrowser{html: stubPage, blockNav: block}
	})

	runID, resp := submitRun(t, ts, map[string]any{"target_url": "https://example.com"})
	if runID == "" {
		t.Fatalf("first submit failed with status %d", resp.StatusCode)
	}

	_, resp = submitRun(t, ts, map[string]any{"target_url": "https://example.com"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit: status %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAbortCancelsRunningRun(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	_, ts := newTestServer(t, func() browser.Layer {
		return &stubBrowser{html: stubPage, blockNav: block}
	})

	runID, resp := submitRun(t, ts, map[string]any{"target_url": "https://example.com"})
	if runID == "" {
		t.Fatalf("submit failed with status %d", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/runs/"+runID+"/abort", "application/json", nil)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	status := waitForTerminal(t, ts, runID)
	if status.State != "failed" {
		t.Fatalf("state = %q", status.State)
	}
	if status.FailureReason != "Run cancelled" {
		t.Fatalf("failure_reason = %q", status.FailureReason)
	}
}

func TestUnknownRunReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t, func() browser.Layer { return &stubBrowser{html: stubPage} })

	resp, err := http.Get(ts.URL + "/runs/run_does_not_exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCrossOriginPostIsBlocked(t *testing.T) {
	_, ts := newTestServer(t, func() browser.Layer { return &stubBrowser{html: stubPage} })

	raw, _ := json.Marshal(map[string]any{"target_url": "https://example.com"})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/runs", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGroundingSearchRequiresQuery(t *testing.T) {
	_, ts := newTestServer(t, func() browser.Layer { return &stubBrowser{html: stubPage} })

	resp, err := http.Get(ts.URL + "/grounding/search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
