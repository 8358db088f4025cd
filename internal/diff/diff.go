package diff

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/docsight/docsight/internal/record"
)

// snapshotLimit caps the rendered row snapshots attached to column-shift
// records so traces stay readable for wide rows.
const snapshotLimit = 100

// Diff computes the corrections that transform before into after. It is a
// pure function: deterministic for identical inputs, and Diff(x, x, n) is
// always empty.
func Diff(before, after record.Value, round int) []CorrectionRecord {
	var out []CorrectionRecord
	diffValue("", before, after, round, &out)
	return out
}

func diffValue(path string, before, after record.Value, round int, out *[]CorrectionRecord) {
	switch {
	case before.Kind() == record.KindObject && after.Kind() == record.KindObject:
		diffObject(path, before.Object(), after.Object(), round, out)
	case before.Kind() == record.KindTable && after.Kind() == record.KindTable:
		diffTable(path, before.Rows(), after.Rows(), round, out)
	default:
		if !before.Equal(after) {
			*out = append(*out, CorrectionRecord{
				FieldPath:   path,
				ChangeType:  ChangeValueCorrected,
				BeforeValue: render(before),
				AfterValue:  render(after),
				RoundNumber: round,
			})
		}
	}
}

func diffObject(path string, before, after *record.Object, round int, out *[]CorrectionRecord) {
	for _, key := range before.Keys() {
		bv, _ := before.Get(key)
		av, ok := after.Get(key)
		if !ok {
			*out = append(*out, CorrectionRecord{
				FieldPath:   childPath(path, key),
				ChangeType:  ChangeFieldRemoved,
				BeforeValue: render(bv),
				AfterValue:  "",
				RoundNumber: round,
				TableChange: bv.Kind() == record.KindTable,
			})
			continue
		}
		diffValue(childPath(path, key), bv, av, round, out)
	}
	for _, key := range after.Keys() {
		if before.Has(key) {
			continue
		}
		av, _ := after.Get(key)
		*out = append(*out, CorrectionRecord{
			FieldPath:   childPath(path, key),
			ChangeType:  ChangeFieldAdded,
			BeforeValue: "",
			AfterValue:  render(av),
			RoundNumber: round,
			TableChange: av.Kind() == record.KindTable,
		})
	}
}

func diffTable(path string, before, after []record.Value, round int, out *[]CorrectionRecord) {
	if len(before) != len(after) {
		*out = append(*out, CorrectionRecord{
			FieldPath:   path,
			ChangeType:  ChangeTableRowsChanged,
			BeforeValue: fmt.Sprintf("%d rows", len(before)),
			AfterValue:  fmt.Sprintf("%d rows", len(after)),
			RoundNumber: round,
		})
	}

	// Rows at matching indices are compared regardless of the length
	// mismatch; surplus rows on either side are already accounted for by
	// the table_rows_changed record.
	n := len(before)
	if len(after) < n {
		n = len(after)
	}
	for i := 0; i < n; i++ {
		rowPath := fmt.Sprintf("%s[%d]", path, i)
		br, ar := before[i], after[i]
		if br.Kind() == record.KindObject && ar.Kind() == record.KindObject {
			diffRow(rowPath, br, ar, round, out)
			continue
		}
		// A row that is a mapping on one side only is malformed input.
		// Shift analysis needs comparable keys on both sides, so the
		// whole row is reported as one replacement.
		diffValue(rowPath, br, ar, round, out)
	}
}

// diffRow runs column-shift detection on a pair of rows before falling back
// to the generic structural diff. A detected shift subsumes the per-cell
// changes it explains, which would otherwise surface as several unrelated
// value_corrected entries.
func diffRow(rowPath string, before, after record.Value, round int, out *[]CorrectionRecord) {
	bObj, aObj := before.Object(), after.Object()

	columns := columnOrder(bObj, aObj)

	type cellChange struct {
		column   string
		ordinal  int
		before   record.Value
		after    record.Value
	}
	// Columns absent from one side count as empty cells: a value that
	// reappears under a brand-new column name is still a move.
	var changed []cellChange
	var nested []string
	for i, col := range columns {
		bv, _ := bObj.Get(col)
		av, _ := aObj.Get(col)
		if isContainer(bv) || isContainer(av) {
			if !bv.Equal(av) {
				nested = append(nested, col)
			}
			continue
		}
		if bv.Equal(av) {
			continue
		}
		if bv.IsEmpty() && av.IsEmpty() {
			continue
		}
		changed = append(changed, cellChange{column: col, ordinal: i, before: bv, after: av})
	}

	// First pass: vanished values that reappear in another changed
	// column are moves. A destination consumed by a move produces no
	// detail of its own, but may still be the source of its own move
	// (two cells swapping report two moves).
	moved := make(map[string]bool)    // move sources
	consumed := make(map[string]bool) // move destinations
	var details []ShiftDetail
	for _, c := range changed {
		if c.before.IsEmpty() {
			continue
		}
		for _, d := range changed {
			if d.column == c.column || consumed[d.column] || d.after.IsEmpty() || !d.after.Equal(c.before) {
				continue
			}
			details = append(details, ShiftDetail{
				Column:         c.column,
				MovementType:   MoveValueMoved,
				Before:         render(c.before),
				After:          render(c.after),
				MovedToColumn:  d.column,
				ShiftDirection: shiftDirection(c.ordinal, d.ordinal),
			})
			moved[c.column] = true
			consumed[d.column] = true
			break
		}
	}

	// Second pass: classify the remaining changed cells.
	for _, c := range changed {
		if moved[c.column] || consumed[c.column] {
			continue
		}
		detail := ShiftDetail{
			Column: c.column,
			Before: render(c.before),
			After:  render(c.after),
		}
		switch {
		case c.before.IsEmpty():
			detail.MovementType = MoveValueAdded
		case c.after.IsEmpty():
			detail.MovementType = MoveValueRemoved
		default:
			detail.MovementType = MoveValueReplaced
		}
		details = append(details, detail)
	}

	if len(details) > 0 {
		*out = append(*out, CorrectionRecord{
			FieldPath:       rowPath,
			ChangeType:      ChangeColumnShift,
			BeforeValue:     before.Compact(snapshotLimit),
			AfterValue:      after.Compact(snapshotLimit),
			RoundNumber:     round,
			ShiftPattern:    classifyPattern(len(details)),
			ColumnsAffected: len(details),
			ShiftDetails:    details,
		})
	}

	// Nested containers inside cells still go through the generic diff
	// keyed by cell path; shift analysis only covers scalar cells.
	for _, col := range nested {
		bv, bHas := bObj.Get(col)
		av, aHas := aObj.Get(col)
		switch {
		case bHas && !aHas:
			*out = append(*out, CorrectionRecord{
				FieldPath:   childPath(rowPath, col),
				ChangeType:  ChangeFieldRemoved,
				BeforeValue: render(bv),
				RoundNumber: round,
				TableChange: bv.Kind() == record.KindTable,
			})
		case aHas && !bHas:
			*out = append(*out, CorrectionRecord{
				FieldPath:   childPath(rowPath, col),
				ChangeType:  ChangeFieldAdded,
				AfterValue:  render(av),
				RoundNumber: round,
				TableChange: av.Kind() == record.KindTable,
			})
		default:
			diffValue(childPath(rowPath, col), bv, av, round, out)
		}
	}
}

// columnOrder fixes the ordinal positions used for shift direction: the
// before-row's key order, then any columns only the after-row carries.
func columnOrder(before, after *record.Object) []string {
	cols := before.Keys()
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = true
	}
	for _, c := range after.Keys() {
		if !seen[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func classifyPattern(n int) string {
	switch {
	case n <= 1:
		return PatternSingleColumnShift
	case n == 2:
		return PatternMultipleColumnShift
	default:
		return PatternCascadeShift
	}
}

func shiftDirection(from, to int) string {
	switch {
	case to > from:
		return fmt.Sprintf("right_shift_%d", to-from)
	case to < from:
		return fmt.Sprintf("left_shift_%d", from-to)
	default:
		return "no_shift"
	}
}

func isContainer(v record.Value) bool {
	return v.Kind() == record.KindObject || v.Kind() == record.KindTable
}

func childPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func render(v record.Value) string {
	switch v.Kind() {
	case record.KindNull:
		return "null"
	case record.KindScalar:
		switch s := v.Scalar().(type) {
		case string:
			return s
		case json.Number:
			return s.String()
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return v.Compact(snapshotLimit)
}
