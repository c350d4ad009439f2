package template

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"
)

func buildWorkbook(t *testing.T, rows [][]string) []byte {
	t.Helper()
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Fields")
	require.NoError(t, err)
	for _, cells := range rows {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, file.Write(&buf))
	return buf.Bytes()
}

func TestParseWorkbookHeaderLayout(t *testing.T) {
	data := buildWorkbook(t, [][]string{
		{"Field", "Aliases", "Required"},
		{"Name", "Patient Name, Full Name", "yes"},
		{"Date of Birth", "DOB; Birth Date", ""},
		{"Member ID", "", "x"},
	})

	fields, err := ParseWorkbook(data)
	require.NoError(t, err)
	require.Len(t, fields, 3)

	assert.Equal(t, "Name", fields[0].CanonicalName)
	assert.Equal(t, []string{"Patient Name", "Full Name"}, fields[0].Aliases)
	assert.True(t, fields[0].Required)

	assert.Equal(t, []string{"DOB", "Birth Date"}, fields[1].Aliases)
	assert.False(t, fields[1].Required)
	assert.True(t, fields[2].Required)
}

func TestParseWorkbookBareLayout(t *testing.T) {
	data := buildWorkbook(t, [][]string{
		{"Name", "Patient Name", "Full Name"},
		{"Member ID"},
		{""},
	})

	fields, err := ParseWorkbook(data)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, []string{"Patient Name", "Full Name"}, fields[0].Aliases)
	assert.Empty(t, fields[1].Aliases)
}

func TestParseWorkbookRejectsDuplicates(t *testing.T) {
	data := buildWorkbook(t, [][]string{
		{"Field"},
		{"Name"},
		{"name"},
	})
	_, err := ParseWorkbook(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate canonical field")
}

func TestParseWorkbookRejectsEmpty(t *testing.T) {
	_, err := ParseWorkbook(buildWorkbook(t, [][]string{{"Field", "Aliases"}}))
	assert.Error(t, err, "header only, no fields")

	_, err = ParseWorkbook([]byte("definitely not a zip archive"))
	assert.Error(t, err)
}
