// Package ocr abstracts the external text-and-positioning extraction
// service.
package ocr

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable is a permanent OCR failure; the pipeline does not retry it.
var ErrUnavailable = errors.New("ocr service unavailable")

// ErrTransient is a retryable OCR failure (rate limit, brief outage).
var ErrTransient = errors.New("ocr transient failure")

// BBox is an axis-aligned bounding box: x0, y0, x1, y1 in page coordinates.
type BBox [4]float64

// Word is one recognized token with position and confidence.
type Word struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Line is one recognized text line.
type Line struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// Page groups the lines recognized on one page.
type Page struct {
	Number int    `json:"number"`
	Lines  []Line `json:"lines"`
}

// Result is the full OCR payload for one document.
type Result struct {
	Pages []Page `json:"pages"`
	Lines []Line `json:"lines"`
	Words []Word `json:"words"`
}

// Text concatenates all line text in reading order.
func (r *Result) Text() string {
	var b strings.Builder
	for i, l := range r.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

// MeanConfidence is the arithmetic mean over all non-empty lines. Empty
// lines are excluded so blank regions do not drag multi-page documents down.
func (r *Result) MeanConfidence() float64 {
	var sum float64
	var n int
	for _, l := range r.Lines {
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		sum += l.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Provider is the OCR capability contract. Failures are classified as
// ErrTransient (retried with backoff) or ErrUnavailable (permanent).
type Provider interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}
