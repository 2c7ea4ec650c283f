package pipeline

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Extract pulls one record out of cleaned HTML using CSS selectors, one per
// field. Heuristic extraction is deterministic, so present fields get
// confidence 1.0 and missing fields get a nil value at 0.0.
func Extract(html string, selectors map[string]string, sourceURL, domHash string) ([]ExtractionRecord, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	fields := make(map[string]FieldValue, len(selectors))
	extracted := 0
	for name, selector := range selectors {
		sel := doc.Find(selector)
		text := strings.TrimSpace(sel.First().Text())
		if sel.Length() > 0 && text != "" {
			fields[name] = NewFieldValue(text, 1.0, selector)
			extracted++
		} else {
			fields[name] = NewFieldValue(nil, 0.0, selector)
		}
	}

	completeness := float64(extracted) / float64(len(selectors))
	record := ExtractionRecord{
		Fields: fields,
		Metadata: RecordMetadata{
			SourceURL:      sourceURL,
			DOMHash:        domHash,
			ExtractedAt:    time.Now().UTC(),
			ExtractionMode: "heuristic",
		},
		CompletenessScore: completeness,
		IsPartial:         completeness < 1.0,
	}
	return []ExtractionRecord{record}, nil
}

// ExtractList pulls one record per container match, with item selectors
// resolved relative to each container. Containers yielding no fields are
// skipped.
func ExtractList(html, containerSelector string, itemSelectors map[string]string, sourceURL, domHash string) ([]ExtractionRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var records []ExtractionRecord
	doc.Find(containerSelector).Each(func(_ int, container *goquery.Selection) {
		fields := make(map[string]FieldValue, len(itemSelectors))
		extracted := 0
		for name, selector := range itemSelectors {
			sel := container.Find(selector)
			text := strings.TrimSpace(sel.First().Text())
			if sel.Length() > 0 && text != "" {
				fields[name] = NewFieldValue(text, 1.0, containerSelector+" "+selector)
				extracted++
			} else {
				fields[name] = NewFieldValue(nil, 0.0, selector)
			}
		}
		if extracted == 0 {
			return
		}
		completeness := 0.0
		if len(itemSelectors) > 0 {
			completeness = float64(extracted) / float64(len(itemSelectors))
		}
		records = append(records, ExtractionRecord{
			Fields: fields,
			Metadata: RecordMetadata{
				SourceURL:      sourceURL,
				DOMHash:        domHash,
				ExtractedAt:    time.Now().UTC(),
				ExtractionMode: "heuristic",
			},
			CompletenessScore: completeness,
			IsPartial:         completeness < 1.0,
		})
	})
	return records, nil
}
