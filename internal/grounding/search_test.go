package grounding

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRun(t *testing.T, dataDir, runID, targetURL string, lines []string) {
	t.Helper()
	runDir := filepath.Join(dataDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if targetURL != "" {
		meta, _ := json.Marshal(map[string]string{"target_url": targetURL})
		if err := os.WriteFile(filepath.Join(runDir, "metadata.json"), meta, 0o644); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(runDir, "records.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("write records: %v", err)
	}
}

func TestSearchMatchesSubstringCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, "run_01", "https://example.com/widgets", []string{
		`{"record_id":"r1","fields":{"title":{"value":"Blue Widget","confidence":1.0},"price":{"value":"9.99","confidence":1.0}}}`,
		`{"record_id":"r2","fields":{"title":{"value":"Red Gadget","confidence":1.0}}}`,
	})

	results := Search("WIDGET", dir)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URI != "https://example.com/widgets" {
		t.Fatalf("unexpected uri %q", results[0].URI)
	}
	if !strings.Contains(results[0].Snippet, "title: Blue Widget") {
		t.Fatalf("snippet missing field pair: %q", results[0].Snippet)
	}
	if !strings.Contains(results[0].Snippet, "price: 9.99") {
		t.Fatalf("snippet missing field pair: %q", results[0].Snippet)
	}
}

func TestSearchFallsBackToRunURI(t *testing.T) {
	dir := t.TempDir()
	writeRun(t, dir, "run_02", "", []string{
		`{"record_id":"r1","fields":{"name":{"value":"orphan record","confidence":0.8}}}`,
	})

	results := Search("orphan", dir)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].URI != "conduit://run/run_02" {
		t.Fatalf("unexpected uri %q", results[0].URI)
	}
}

func TestSearchCapsAtTenResults(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 25; i++ {
		lines = append(lines, `{"record_id":"r","fields":{"name":{"value":"common item","confidence":1.0}}}`)
	}
	writeRun(t, dir, "run_03", "https://example.com", lines)

	results := Search("common", dir)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
}

func TestSearchSnippetLimitsFieldsAndLength(t *testing.T) {
	dir := t.TempDir()
	fields := map[string]any{}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		fields[name] = map[string]any{"value": strings.Repeat(name, 200), "confidence": 1.0}
	}
	raw, _ := json.Marshal(map[string]any{"record_id": "r1", "fields": fields})
	writeRun(t, dir, "run_04", "https://example.com", []string{string(raw)})

	results := Search("aaaa", dir)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	snippet := results[0].Snippet
	if len(snippet) > 500 {
		t.Fatalf("snippet exceeds 500 chars: %d", len(snippet))
	}
	if strings.Contains(snippet, "f:") || strings.Contains(snippet, "g:") {
		t.Fatalf("snippet includes more than five fields: %q", snippet)
	}
}

func TestSearchEmptyQueryAndMissingDir(t *testing.T) {
	if got := Search("", t.TempDir()); len(got) != 0 {
		t.Fatalf("empty query returned %d results", len(got))
	}
	if got := Search("anything", filepath.Join(t.TempDir(), "absent")); len(got) != 0 {
		t.Fatalf("missing dir returned %d results", len(got))
	}
}
