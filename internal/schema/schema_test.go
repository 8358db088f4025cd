package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/docsight/internal/record"
)

const invoiceSchema = `{
  "form_fields": [
    {"field_name": "invoice_number", "type": "string"},
    {"field_name": "invoice_date", "type": "string"},
    {"field_name": "total_amount", "type": "number"}
  ],
  "tables": [
    {"table_name": "line_items", "columns": ["description", "quantity", "unit_price", "amount"]}
  ]
}`

func TestParse(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)

	assert.Len(t, s.FormFields, 3)
	assert.Equal(t, "invoice_number", s.FormFields[0].Name)
	assert.Equal(t, "number", s.FormFields[2].Type)
	require.Len(t, s.Tables, 1)
	assert.Equal(t, "line_items", s.Tables[0].Name)
	assert.Equal(t, []string{"description", "quantity", "unit_price", "amount"}, s.Tables[0].Columns)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", "form_fields: []"},
		{"missing tables", `{"form_fields": []}`},
		{"field without name", `{"form_fields": [{"type": "string"}], "tables": []}`},
		{"empty field name", `{"form_fields": [{"field_name": ""}], "tables": []}`},
		{"table without columns", `{"form_fields": [], "tables": [{"table_name": "items"}]}`},
		{"non-string column", `{"form_fields": [], "tables": [{"table_name": "items", "columns": [1]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	yamlDoc := `form_fields:
  - field_name: patient_name
  - field_name: date_of_birth
tables:
  - table_name: medications
    columns: [name, dosage, frequency]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.FormFields, 2)
	require.Len(t, s.Tables, 1)
	assert.Equal(t, []string{"name", "dosage", "frequency"}, s.Tables[0].Columns)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestExpectedUnits(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)
	assert.Equal(t, 7, s.ExpectedUnits())

	empty := &Schema{}
	assert.Equal(t, 0, empty.ExpectedUnits())
}

func TestTableByName(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)

	require.NotNil(t, s.TableByName("line_items"))
	assert.Nil(t, s.TableByName("charges"))
}

func TestEnsureShape(t *testing.T) {
	t.Parallel()

	s, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)

	rec, err := record.ParseObject([]byte(`{"invoice_number": "INV-1"}`))
	require.NoError(t, err)

	shaped := s.EnsureShape(rec)
	obj := shaped.Object()
	require.NotNil(t, obj)
	got, ok := obj.Get("line_items")
	require.True(t, ok)
	assert.Equal(t, record.KindTable, got.Kind())
	assert.Empty(t, got.Rows())

	// Original record is untouched.
	_, ok = rec.Object().Get("line_items")
	assert.False(t, ok)

	// Records that already carry the table pass through unchanged.
	full, err := record.ParseObject([]byte(`{"line_items": [{"description": "widget"}]}`))
	require.NoError(t, err)
	again := s.EnsureShape(full)
	got, ok = again.Object().Get("line_items")
	require.True(t, ok)
	assert.Len(t, got.Rows(), 1)
}
