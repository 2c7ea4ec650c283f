// Package grounding exposes the extraction history as a search source:
// prior successful extractions inform later runs without any fine-tuning.
package grounding

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	maxResults    = 10
	maxSnippetLen = 500
	maxFieldParts = 5
)

// Result is one grounding match: a short snippet and the URI of the run
// that produced it.
type Result struct {
	Snippet string `json:"snippet"`
	URI     string `json:"uri"`
}

// Search performs a case-insensitive substring search across every
// persisted records.jsonl under dataDir, returning at most ten matches.
func Search(query, dataDir string) []Result {
	results := []Result{}
	if query == "" {
		return results
	}
	needle := strings.ToLower(query)

	matches, err := doublestar.FilepathGlob(filepath.Join(dataDir, "*", "records.jsonl"))
	if err != nil {
		return results
	}
	sort.Strings(matches)

	for _, recordsPath := range matches {
		runDir := filepath.Dir(recordsPath)
		uri := runURI(runDir)
		if !searchFile(recordsPath, needle, uri, &results) {
			return results
		}
	}
	return results
}

// searchFile appends matches from one records file; returns false once the
// result budget is exhausted.
func searchFile(path, needle, uri string, results *[]Result) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		*results = append(*results, Result{Snippet: buildSnippet(line), URI: uri})
		if len(*results) >= maxResults {
			return false
		}
	}
	return true
}

// runURI resolves the run's target URL from metadata.json, falling back to
// a conduit:// URI naming the run directory.
func runURI(runDir string) string {
	raw, err := os.ReadFile(filepath.Join(runDir, "metadata.json"))
	if err == nil {
		var meta struct {
			TargetURL string `json:"target_url"`
		}
		if json.Unmarshal(raw, &meta) == nil && meta.TargetURL != "" {
			return meta.TargetURL
		}
	}
	return "conduit://run/" + filepath.Base(runDir)
}

// buildSnippet joins up to five "name: value" pairs from a record line.
func buildSnippet(line string) string {
	var record struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return truncate(line)
	}

	names := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		if len(parts) >= maxFieldParts {
			break
		}
		var field struct {
			Value any `json:"value"`
		}
		var value any
		if json.Unmarshal(record.Fields[name], &field) == nil && field.Value != nil {
			value = field.Value
		} else {
			var scalar any
			if json.Unmarshal(record.Fields[name], &scalar) == nil {
				value = scalar
			}
		}
		if value == nil || value == "" {
			continue
		}
		if s, ok := value.(string); ok {
			parts = append(parts, name+": "+s)
		} else {
			b, _ := json.Marshal(value)
			parts = append(parts, name+": "+string(b))
		}
	}
	return truncate(strings.Join(parts, "; "))
}

func truncate(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}
	return s[:maxSnippetLen]
}
