package extract

import (
	"strings"
	"unicode"

	"github.com/stacklight/faxpipe/internal/ocr"
)

// PairConfidence estimates the confidence of one extracted value from the
// OCR tokens that produced it: the mean confidence of words whose text
// appears in the value. When no positional data matches, the extractor's
// self-reported confidence is used.
func PairConfidence(value string, words []ocr.Word, selfReported float64) float64 {
	tokens := tokenize(value)
	if len(tokens) == 0 || len(words) == 0 {
		return selfReported
	}

	wanted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		wanted[t] = true
	}

	var sum float64
	var n int
	for _, w := range words {
		if wanted[strings.ToLower(strings.TrimSpace(w.Text))] {
			sum += w.Confidence
			n++
		}
	}
	if n == 0 {
		return selfReported
	}
	return sum / float64(n)
}

// ApplyPairConfidences rewrites each self-reported confidence using OCR
// token evidence where available.
func ApplyPairConfidences(kv map[string]string, confs map[string]float64, words []ocr.Word) map[string]float64 {
	out := make(map[string]float64, len(kv))
	for k, v := range kv {
		out[k] = PairConfidence(v, words, confs[k])
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		// single characters match too promiscuously to be evidence
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
