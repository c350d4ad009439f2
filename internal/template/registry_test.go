package template_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx"
	"go.uber.org/zap/zaptest"

	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/recordstore"
	"github.com/stacklight/faxpipe/internal/template"
	"github.com/stacklight/faxpipe/internal/testutil/teststore"
)

func workbookBytes(t *testing.T) []byte {
	t.Helper()
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Fields")
	require.NoError(t, err)
	header := sheet.AddRow()
	header.AddCell().SetString("Field")
	header.AddCell().SetString("Aliases")
	row := sheet.AddRow()
	row.AddCell().SetString("Name")
	row.AddCell().SetString("Patient Name")
	var buf bytes.Buffer
	require.NoError(t, file.Write(&buf))
	return buf.Bytes()
}

func TestRegistryUploadStoresWorkbookAndRow(t *testing.T) {
	env := teststore.NewEnv(t)
	reg := template.NewRegistry(env.Store, env.Objects, zaptest.NewLogger(t))

	tpl, err := reg.Upload(env.Ctx, workbookBytes(t), "acme", "intake")
	require.NoError(t, err)
	require.NotEmpty(t, tpl.TemplateID)
	assert.Equal(t, "acme", tpl.TenantID)
	require.Len(t, tpl.Fields, 1)

	// Workbook bytes live at the canonical template path.
	stored, err := env.Objects.Get(env.Ctx, objectstore.TemplatePath("acme", tpl.TemplateID))
	require.NoError(t, err)
	assert.NotEmpty(t, stored)

	// Row round-trips through the store.
	got, err := reg.Get(env.Ctx, tpl.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "intake", got.Name)
}

func TestRegistryUploadRejectsGarbage(t *testing.T) {
	env := teststore.NewEnv(t)
	reg := template.NewRegistry(env.Store, env.Objects, zaptest.NewLogger(t))

	_, err := reg.Upload(env.Ctx, []byte("not an xlsx"), "acme", "broken")
	assert.Error(t, err)
}

func TestRegistryDeleteTombstones(t *testing.T) {
	env := teststore.NewEnv(t)
	reg := template.NewRegistry(env.Store, env.Objects, zaptest.NewLogger(t))

	tpl, err := reg.Upload(env.Ctx, workbookBytes(t), "acme", "intake")
	require.NoError(t, err)

	require.NoError(t, reg.Delete(env.Ctx, tpl.TemplateID))

	live, err := reg.List(env.Ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, live)

	// Existing references still resolve after deletion.
	got, err := reg.Get(env.Ctx, tpl.TemplateID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	assert.ErrorIs(t, reg.Delete(env.Ctx, "tpl-missing"), recordstore.ErrNotFound)
}
