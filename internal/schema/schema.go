// Package schema defines the document schema a record is expected to
// conform to: the named form fields and the named tables with their column
// sets. The schema guides extraction and validation prompts and anchors the
// completeness side of accuracy scoring; it never rejects a record outright.
package schema

import (
	"github.com/docsight/docsight/internal/record"
)

// FieldSpec describes one expected form field.
type FieldSpec struct {
	Name string `json:"field_name" yaml:"field_name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// TableSpec describes one expected table and its column names, in the
// left-to-right order they appear on the document. The order flows into
// prompts, so extracted rows carry their keys in document order; shift
// directions are then read off each row's own key order.
type TableSpec struct {
	Name    string   `json:"table_name" yaml:"table_name"`
	Columns []string `json:"columns" yaml:"columns"`
}

// Schema is the expected shape of an extracted document record.
type Schema struct {
	FormFields []FieldSpec `json:"form_fields" yaml:"form_fields"`
	Tables     []TableSpec `json:"tables" yaml:"tables"`
}

// ExpectedUnits counts every expected form field and every expected table
// column as one unit. This is the denominator for completeness accuracy.
func (s *Schema) ExpectedUnits() int {
	n := len(s.FormFields)
	for _, t := range s.Tables {
		n += len(t.Columns)
	}
	return n
}

// TableByName returns the definition of the named table, or nil.
func (s *Schema) TableByName(name string) *TableSpec {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// EnsureShape guarantees the record carries every schema table name at the
// top level, inserting an empty table where one is missing. Oracle output
// may legitimately return a table empty, but it must never drop the name;
// this enforces that contract on anything that crosses the adapter boundary.
// The input record is not mutated; a patched clone is returned when changes
// are needed.
func (s *Schema) EnsureShape(rec record.Value) record.Value {
	if rec.Kind() != record.KindObject {
		return rec
	}

	var missing []string
	for _, t := range s.Tables {
		if !rec.Object().Has(t.Name) {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) == 0 {
		return rec
	}

	patched := rec.Clone()
	for _, name := range missing {
		patched.Object().Set(name, record.Table())
	}
	return patched
}
