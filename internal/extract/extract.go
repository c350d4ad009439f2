// Package extract drives LLM-based key/value extraction over OCR output.
// Three modes: free-form, template-guided, and vision re-analysis of
// low-confidence fields.
package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/types"
)

// ErrExtractFail is a permanent extraction failure. The pipeline falls back
// to empty kv_pairs with classification Other.
var ErrExtractFail = errors.New("extraction failed")

// FreeFormResult is the output of unconstrained extraction.
type FreeFormResult struct {
	KVPairs        map[string]string
	KVConfidences  map[string]float64
	Classification types.Classification
	Summary        string
}

// TemplateResult is the output of template-guided extraction: keys are the
// template's canonical names.
type TemplateResult struct {
	KVPairs        map[string]string
	KVConfidences  map[string]float64
	Classification types.Classification
	UnmappedKeys   []string
}

// AnalysisStatus is the verdict on one re-analyzed field.
type AnalysisStatus string

const (
	StatusCorrect    AnalysisStatus = "correct"
	StatusIncorrect  AnalysisStatus = "incorrect"
	StatusIncomplete AnalysisStatus = "incomplete"
	StatusMissing    AnalysisStatus = "missing"
)

// FieldUnderReview names one low-confidence field handed to re-analysis.
type FieldUnderReview struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ReanalysisRequest carries the source image and the fields to re-check.
type ReanalysisRequest struct {
	ImageB64  string
	MediaType string
	Fields    []FieldUnderReview
}

// FieldAnalysis is the per-field verdict from vision re-analysis.
type FieldAnalysis struct {
	Field          string         `json:"field"`
	Status         AnalysisStatus `json:"status"`
	SuggestedValue string         `json:"suggested_value,omitempty"`
	Issues         []string       `json:"issues,omitempty"`
	Explanation    string         `json:"explanation,omitempty"`
}

// Extractor is the LLM capability contract.
type Extractor interface {
	ExtractFreeForm(ctx context.Context, res *ocr.Result) (*FreeFormResult, error)
	ExtractWithTemplate(ctx context.Context, res *ocr.Result, tpl *types.Template) (*TemplateResult, error)
	ReanalyzeFields(ctx context.Context, req ReanalysisRequest) ([]FieldAnalysis, error)
}

// MergeCaseInsensitive deduplicates keys that collide case-insensitively,
// keeping the value of the higher-confidence key. The lexicographically
// smallest spelling survives so results are stable across map orderings.
func MergeCaseInsensitive(kv map[string]string, confs map[string]float64) (map[string]string, map[string]float64) {
	type entry struct {
		key   string
		value string
		conf  float64
	}
	canonical := map[string]*entry{}
	for k, v := range kv {
		lower := strings.ToLower(k)
		c := confs[k]
		e, ok := canonical[lower]
		if !ok {
			canonical[lower] = &entry{key: k, value: v, conf: c}
			continue
		}
		if c > e.conf {
			e.value = v
			e.conf = c
		}
		if k < e.key {
			e.key = k
		}
	}

	outKV := make(map[string]string, len(canonical))
	outConf := make(map[string]float64, len(canonical))
	for _, e := range canonical {
		outKV[e.key] = e.value
		outConf[e.key] = e.conf
	}
	return outKV, outConf
}
