package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testRecord(field, value string) ExtractionRecord {
	return ExtractionRecord{
		Fields: map[string]FieldValue{
			field: NewFieldValue(value, 1.0, "."+field),
		},
		Metadata: RecordMetadata{
			SourceURL:      "https://example.com",
			DOMHash:        "abcd1234abcd1234",
			ExtractedAt:    time.Now().UTC(),
			ExtractionMode: "heuristic",
		},
		CompletenessScore: 1.0,
	}
}

func TestStageGates(t *testing.T) {
	m, err := NewManager("run_gates", t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.StageContent(nil) {
		t.Fatal("empty content must not pass the staging gate")
	}
	if !m.StageContent(map[string]any{"text": "hello"}) {
		t.Fatal("non-empty content rejected at staging gate")
	}
	if m.AddProcessedRecord(ExtractionRecord{}) {
		t.Fatal("record without fields must not pass the processed gate")
	}
	if !m.AddProcessedRecord(testRecord("title", "Widget")) {
		t.Fatal("valid record rejected at processed gate")
	}
}

func TestPersistWritesBatchAndMetadata(t *testing.T) {
	dataDir := t.TempDir()
	m, err := NewManager("run_persist", dataDir, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.AddProcessedRecord(testRecord("title", "Widget"))
	m.AddProcessedRecord(testRecord("title", "Gadget"))

	count, err := m.Persist(RunMetadata{
		RunID:          "run_persist",
		TargetURL:      "https://example.com",
		StartedAt:      time.Now().UTC(),
		ExtractionMode: "heuristic",
		Status:         "COMPLETE",
	})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if count != 2 {
		t.Fatalf("persisted %d, want 2", count)
	}

	records, err := LoadRecords(m.OutputPath())
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("loaded %d records, want 2", len(records))
	}
	if records[1].Fields["title"].Value != "Gadget" {
		t.Fatalf("second record = %+v", records[1].Fields)
	}

	metaRaw, err := os.ReadFile(filepath.Join(m.RunDir(), "metadata.json"))
	if err != nil {
		t.Fatalf("metadata.json: %v", err)
	}
	for _, want := range []string{`"run_id": "run_persist"`, `"total_records": 2`, `"completed_at"`} {
		if !strings.Contains(string(metaRaw), want) {
			t.Fatalf("metadata missing %q:\n%s", want, metaRaw)
		}
	}

	if _, err := os.Stat(m.OutputPath() + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after persist")
	}
}

func TestPersistEmptyBatchIsNoop(t *testing.T) {
	m, err := NewManager("run_empty", t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	count, err := m.Persist(RunMetadata{RunID: "run_empty", Status: "FAIL"})
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
	if _, err := os.Stat(m.OutputPath()); !os.IsNotExist(err) {
		t.Fatal("records.jsonl should not exist for an empty batch")
	}
}

func TestDebugModeKeepsRawCaptures(t *testing.T) {
	m, err := NewManager("run_debug", t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.CaptureRaw("<html><body>x</body></html>", "https://example.com", "hash1", []string{"navigate"}, []byte{0x89, 0x50})
	m.AddProcessedRecord(testRecord("title", "Widget"))
	if _, err := m.Persist(RunMetadata{RunID: "run_debug", Status: "COMPLETE"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	rawDir := filepath.Join(m.RunDir(), "raw")
	if _, err := os.Stat(filepath.Join(rawDir, "capture_0.html")); err != nil {
		t.Fatalf("debug capture missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rawDir, "capture_0.png")); err != nil {
		t.Fatalf("debug screenshot missing: %v", err)
	}
}

func TestNonDebugModeCleansRawAfterPersist(t *testing.T) {
	m, err := NewManager("run_clean", t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	// Non-debug captures stay in memory only; simulate a stray raw file too.
	m.CaptureRaw("<html></html>", "https://example.com", "hash1", nil, nil)
	stray := filepath.Join(m.RunDir(), "raw", "leftover.html")
	if err := os.WriteFile(stray, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	m.AddProcessedRecord(testRecord("title", "Widget"))
	if _, err := m.Persist(RunMetadata{RunID: "run_clean", Status: "COMPLETE"}); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(m.RunDir(), "raw"))
	if err != nil {
		t.Fatalf("read raw dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("raw dir not cleaned, %d entries remain", len(entries))
	}
}

func TestLoadRecordsMissingFileIsEmpty(t *testing.T) {
	records, err := LoadRecords(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestNewFieldValueClampsConfidence(t *testing.T) {
	if got := NewFieldValue("x", 1.5, ""); got.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", got.Confidence)
	}
	if got := NewFieldValue("x", -0.2, ""); got.Confidence != 0.0 {
		t.Fatalf("confidence = %v, want 0.0", got.Confidence)
	}
}
