package objectstore

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/stacklight/faxpipe/internal/types"
)

// Path grammar:
//
//	{tier}/source/{tenant_id}/{processing_id}/{safe_filename}_{epoch_ms}
//	{tier}/processed/{tenant_id}/{processing_id}/{epoch_ms}_{safe_filename}_extracted_data.json
//	templates/{tenant_id}/{template_id}/template.xlsx
//
// where tier is "Above-95%" or "needs-review". Keys are relative to the
// store root; the concrete backend joins them onto its root.

const processedSuffix = "_extracted_data.json"

// SafeFilename strips path separators and control characters so uploaded
// names cannot escape their key prefix.
func SafeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('_')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		s = "unnamed"
	}
	return s
}

// SourcePath builds the key for an original uploaded document.
func SourcePath(tier types.Tier, tenantID, processingID, filename string, epochMS int64) string {
	return fmt.Sprintf("%s/source/%s/%s/%s_%d",
		tier, tenantID, processingID, SafeFilename(filename), epochMS)
}

// ProcessedPath builds the key for the extracted-data JSON payload.
func ProcessedPath(tier types.Tier, tenantID, processingID, filename string, epochMS int64) string {
	return fmt.Sprintf("%s/processed/%s/%s/%d_%s%s",
		tier, tenantID, processingID, epochMS, SafeFilename(filename), processedSuffix)
}

// TemplatePath builds the key for a tenant's uploaded template workbook.
func TemplatePath(tenantID, templateID string) string {
	return fmt.Sprintf("templates/%s/%s/template.xlsx", tenantID, templateID)
}

// TierOf extracts the tier from a source or processed key.
func TierOf(path string) (types.Tier, error) {
	seg, _, ok := strings.Cut(path, "/")
	if !ok {
		return "", fmt.Errorf("path %q has no tier segment", path)
	}
	switch types.Tier(seg) {
	case types.TierHigh, types.TierReview:
		return types.Tier(seg), nil
	default:
		return "", fmt.Errorf("path %q has unknown tier %q", path, seg)
	}
}

// Retier rewrites the leading tier segment of a source or processed key,
// preserving the processing id and epoch embedded in the remainder.
func Retier(path string, tier types.Tier) (string, error) {
	cur, err := TierOf(path)
	if err != nil {
		return "", err
	}
	if cur == tier {
		return path, nil
	}
	return string(tier) + strings.TrimPrefix(path, string(cur)), nil
}
