// Package accuracy converts round signals into a single accuracy score.
// Two modes exist: schema completeness when no correction round has run
// yet, and correction penalties once one has.
package accuracy

import (
	"github.com/docsight/docsight/internal/diff"
	"github.com/docsight/docsight/internal/record"
	"github.com/docsight/docsight/internal/schema"
)

// penaltyBase is the assumed accuracy of an oracle-assisted extraction
// before any round's corrections are charged against it.
const penaltyBase = 0.90

// Per-correction penalties. Reassociating a value with a different key is
// charged like a key/value mispairing, and a whole table appearing or
// vanishing is the heaviest structural defect.
const (
	penaltyColumnShift      = 0.15
	penaltyFieldReassigned  = 0.10
	penaltyTableChanged     = 0.20
	penaltyValueCorrected   = 0.05
	penaltyTableRowsChanged = 0.10
)

// CorrectionPenalty scores a round from the corrections it produced:
// start from the extraction baseline and subtract a weighted penalty per
// correction, clamped to [0,1]. No corrections means the baseline stands.
func CorrectionPenalty(corrections []diff.CorrectionRecord) float64 {
	score := penaltyBase
	for _, c := range corrections {
		switch c.ChangeType {
		case diff.ChangeColumnShift:
			score -= penaltyColumnShift
		case diff.ChangeFieldAdded, diff.ChangeFieldRemoved:
			if c.TableChange {
				score -= penaltyTableChanged
			} else {
				score -= penaltyFieldReassigned
			}
		case diff.ChangeValueCorrected:
			score -= penaltyValueCorrected
		case diff.ChangeTableRowsChanged:
			score -= penaltyTableRowsChanged
		}
	}
	return clamp(score)
}

// SchemaCompleteness scores a record against its schema before any oracle
// feedback exists: half the score for schema units being present at all,
// half for those units carrying non-empty values. Every form field and
// every table column counts as one unit; a missing table zeroes all of its
// columns.
func SchemaCompleteness(rec record.Value, sch *schema.Schema) float64 {
	expected := sch.ExpectedUnits()
	if expected == 0 {
		return 0
	}

	obj := rec.Object()
	present, complete := 0, 0

	for _, f := range sch.FormFields {
		v, ok := obj.Get(f.Name)
		if !ok {
			continue
		}
		present++
		if !v.IsEmpty() {
			complete++
		}
	}

	for _, tbl := range sch.Tables {
		v, ok := obj.Get(tbl.Name)
		if !ok || v.Kind() != record.KindTable {
			continue
		}
		rows := v.Rows()
		for _, col := range tbl.Columns {
			colPresent, colComplete := false, false
			for _, row := range rows {
				cell, has := row.Object().Get(col)
				if !has {
					continue
				}
				colPresent = true
				if !cell.IsEmpty() {
					colComplete = true
					break
				}
			}
			if colPresent {
				present++
			}
			if colComplete {
				complete++
			}
		}
	}

	extractionRate := float64(present) / float64(expected)
	completenessRate := float64(complete) / float64(expected)
	return clamp(0.5*extractionRate + 0.5*completenessRate)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
