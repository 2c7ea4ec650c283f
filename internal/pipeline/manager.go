package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// rawCapture is a stage-1 entry: the full snapshot plus the interactions
// that produced it.
type rawCapture struct {
	HTML             string    `json:"html"`
	URL              string    `json:"url"`
	DOMHash          string    `json:"dom_hash"`
	InteractionTrace []string  `json:"interaction_trace"`
	CapturedAt       time.Time `json:"captured_at"`
}

// Manager owns the four-stage pipeline for a single run.
//
// Persist is atomic: either the full batch of processed records writes or
// none of it does. Partial data is never persisted as complete data.
type Manager struct {
	runID     string
	runDir    string
	rawDir    string
	debugMode bool

	outputPath   string
	metadataPath string

	rawCaptures      []rawCapture
	stagedRecords    []map[string]any
	processedRecords []ExtractionRecord
}

// NewManager creates the run directory tree under dataDir.
func NewManager(runID, dataDir string, debugMode bool) (*Manager, error) {
	runDir := filepath.Join(dataDir, runID)
	rawDir := filepath.Join(runDir, "raw")
	stagingDir := filepath.Join(runDir, "staging")
	for _, dir := range []string{runDir, rawDir, stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Manager{
		runID:        runID,
		runDir:       runDir,
		rawDir:       rawDir,
		debugMode:    debugMode,
		outputPath:   filepath.Join(runDir, "records.jsonl"),
		metadataPath: filepath.Join(runDir, "metadata.json"),
	}, nil
}

func (m *Manager) RunDir() string     { return m.runDir }
func (m *Manager) OutputPath() string { return m.outputPath }
func (m *Manager) LedgerPath() string { return filepath.Join(m.runDir, "signals.jsonl") }

// ProcessedRecords returns a copy of the stage-3 batch.
func (m *Manager) ProcessedRecords() []ExtractionRecord {
	out := make([]ExtractionRecord, len(m.processedRecords))
	copy(out, m.processedRecords)
	return out
}

// CaptureRaw stores a stage-1 snapshot. In debug mode the HTML and
// screenshot are also written to the raw directory; otherwise raw files are
// cleaned up after persist.
func (m *Manager) CaptureRaw(html, url, domHash string, interactionTrace []string, screenshot []byte) {
	trace := interactionTrace
	if trace == nil {
		trace = []string{}
	}
	m.rawCaptures = append(m.rawCaptures, rawCapture{
		HTML:             html,
		URL:              url,
		DOMHash:          domHash,
		InteractionTrace: trace,
		CapturedAt:       time.Now().UTC(),
	})

	if m.debugMode {
		idx := len(m.rawCaptures) - 1
		_ = os.WriteFile(filepath.Join(m.rawDir, fmt.Sprintf("capture_%d.html", idx)), []byte(html), 0o644)
		if len(screenshot) > 0 {
			_ = os.WriteFile(filepath.Join(m.rawDir, fmt.Sprintf("capture_%d.png", idx)), screenshot, 0o644)
		}
	}
}

// StageContent moves cleaned content into stage 2. Gate: non-empty.
func (m *Manager) StageContent(cleaned map[string]any) bool {
	if len(cleaned) == 0 {
		return false
	}
	m.stagedRecords = append(m.stagedRecords, cleaned)
	return true
}

// AddProcessedRecord admits a record to stage 3. Gate: the record must have
// at least one field.
func (m *Manager) AddProcessedRecord(record ExtractionRecord) bool {
	if len(record.Fields) == 0 {
		return false
	}
	m.processedRecords = append(m.processedRecords, record)
	return true
}

// Persist writes the whole processed batch to records.jsonl via a temp file
// and rename, then writes metadata.json. On any write failure the temp file
// is removed and nothing replaces the output. Returns the persisted count.
func (m *Manager) Persist(meta RunMetadata) (int, error) {
	if len(m.processedRecords) == 0 {
		return 0, nil
	}

	tempPath := m.outputPath + ".tmp"
	if err := m.writeBatch(tempPath); err != nil {
		os.Remove(tempPath)
		return 0, err
	}
	if err := os.Rename(tempPath, m.outputPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename records: %w", err)
	}

	now := time.Now().UTC()
	meta.TotalRecords = len(m.processedRecords)
	meta.CompletedAt = &now
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(m.metadataPath, metaJSON, 0o644); err != nil {
		return 0, fmt.Errorf("write metadata: %w", err)
	}

	if !m.debugMode {
		m.cleanupRaw()
	}
	return len(m.processedRecords), nil
}

func (m *Manager) writeBatch(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create temp records: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, record := range m.processedRecords {
		line, err := json.Marshal(record)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush records: %w", err)
	}
	return f.Close()
}

func (m *Manager) cleanupRaw() {
	entries, err := os.ReadDir(m.rawDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.Remove(filepath.Join(m.rawDir, e.Name()))
	}
}

// LoadRecords reads a persisted records.jsonl. A missing file is an empty
// result, not an error.
func LoadRecords(outputPath string) ([]ExtractionRecord, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []ExtractionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ExtractionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
