package template

import (
	"fmt"
	"strings"

	"github.com/tealeg/xlsx"

	"github.com/stacklight/faxpipe/internal/types"
)

// ParseWorkbook extracts canonical fields from a tenant-uploaded template
// workbook. Two layouts are recognized:
//
//   - Header layout: a first row containing "field"/"name" plus optional
//     "aliases" and "required" columns; one field per following row.
//   - Bare layout: no header; the first cell of each row is the canonical
//     name and remaining cells are aliases.
//
// Aliases within a cell may be comma- or semicolon-separated.
func ParseWorkbook(data []byte) ([]types.TemplateField, error) {
	file, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("opening template workbook: %w", err)
	}
	if len(file.Sheets) == 0 {
		return nil, fmt.Errorf("template workbook has no sheets")
	}
	sheet := file.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, fmt.Errorf("template sheet %q is empty", sheet.Name)
	}

	nameCol, aliasCol, reqCol, hasHeader := detectHeader(sheet.Rows[0])
	rows := sheet.Rows
	if hasHeader {
		rows = rows[1:]
	}

	var fields []types.TemplateField
	seen := map[string]bool{}
	for _, row := range rows {
		if len(row.Cells) == 0 {
			continue
		}
		var f types.TemplateField
		if hasHeader {
			f.CanonicalName = cellString(row, nameCol)
			f.Aliases = splitAliases(cellString(row, aliasCol))
			f.Required = parseBool(cellString(row, reqCol))
		} else {
			f.CanonicalName = cellString(row, 0)
			for i := 1; i < len(row.Cells); i++ {
				f.Aliases = append(f.Aliases, splitAliases(row.Cells[i].String())...)
			}
		}
		f.CanonicalName = strings.TrimSpace(f.CanonicalName)
		if f.CanonicalName == "" {
			continue
		}
		lower := strings.ToLower(f.CanonicalName)
		if seen[lower] {
			return nil, fmt.Errorf("duplicate canonical field %q", f.CanonicalName)
		}
		seen[lower] = true
		fields = append(fields, f)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("template defines no fields")
	}
	return fields, nil
}

// detectHeader inspects the first row for recognizable column labels.
func detectHeader(row *xlsx.Row) (nameCol, aliasCol, reqCol int, ok bool) {
	nameCol, aliasCol, reqCol = -1, -1, -1
	for i, cell := range row.Cells {
		switch normalizeKey(cell.String()) {
		case "field", "name", "fieldname", "canonicalname", "canonicalfield":
			nameCol = i
		case "alias", "aliases", "alternatenames", "synonyms":
			aliasCol = i
		case "required":
			reqCol = i
		}
	}
	return nameCol, aliasCol, reqCol, nameCol >= 0
}

func cellString(row *xlsx.Row, col int) string {
	if col < 0 || col >= len(row.Cells) {
		return ""
	}
	return row.Cells[col].String()
}

func splitAliases(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "x":
		return true
	default:
		return false
	}
}
