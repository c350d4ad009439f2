// Package export renders tenant record sets as Excel workbooks for
// downstream review teams.
package export

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/tealeg/xlsx"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Exporter builds consolidated workbooks from the record store.
type Exporter struct {
	records recordstore.Storage
	log     *zap.Logger
}

// NewExporter builds an exporter.
func NewExporter(records recordstore.Storage, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exporter{records: records, log: log}
}

var recordHeaders = []string{
	"Processing ID", "Filename", "Classification", "Tier",
	"OCR Confidence", "Overall Confidence", "Corrected", "Created At",
}

var fieldHeaders = []string{"Processing ID", "Field", "Value", "Confidence"}

// Export renders the tenant's records matching filter into a two-sheet
// workbook: a per-record summary and a flattened field listing.
func (e *Exporter) Export(ctx context.Context, tenantID string, filter recordstore.RecordFilter) ([]byte, error) {
	recs, err := e.records.ListRecords(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing records for export: %w", err)
	}

	file := xlsx.NewFile()
	if err := e.addRecordSheet(file, recs); err != nil {
		return nil, err
	}
	if err := e.addFieldSheet(file, recs); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return nil, fmt.Errorf("writing workbook: %w", err)
	}
	e.log.Info("export workbook built",
		zap.String("tenant_id", tenantID),
		zap.Int("records", len(recs)),
		zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

func (e *Exporter) addRecordSheet(file *xlsx.File, recs []*types.ProcessedRecord) error {
	sheet, err := file.AddSheet("Records")
	if err != nil {
		return fmt.Errorf("adding records sheet: %w", err)
	}
	header := sheet.AddRow()
	for _, h := range recordHeaders {
		header.AddCell().SetString(h)
	}
	for _, rec := range recs {
		tier := ""
		if t, err := objectstore.TierOf(rec.SourcePath); err == nil {
			tier = string(t)
		}
		row := sheet.AddRow()
		row.AddCell().SetString(rec.ProcessingID)
		row.AddCell().SetString(rec.Filename)
		row.AddCell().SetString(string(rec.Classification))
		row.AddCell().SetString(tier)
		row.AddCell().SetString(formatConf(rec.OCRConfidence))
		row.AddCell().SetString(formatConf(rec.OverallConfidence))
		row.AddCell().SetString(strconv.FormatBool(rec.HasCorrections))
		row.AddCell().SetString(rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (e *Exporter) addFieldSheet(file *xlsx.File, recs []*types.ProcessedRecord) error {
	sheet, err := file.AddSheet("Fields")
	if err != nil {
		return fmt.Errorf("adding fields sheet: %w", err)
	}
	header := sheet.AddRow()
	for _, h := range fieldHeaders {
		header.AddCell().SetString(h)
	}
	for _, rec := range recs {
		keys := make([]string, 0, len(rec.KVPairs))
		for k := range rec.KVPairs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			row := sheet.AddRow()
			row.AddCell().SetString(rec.ProcessingID)
			row.AddCell().SetString(k)
			row.AddCell().SetString(rec.KVPairs[k])
			row.AddCell().SetString(formatConf(rec.KVConfidences[k]))
		}
	}
	return nil
}

func formatConf(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
