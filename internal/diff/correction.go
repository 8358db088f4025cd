// Package diff compares two record snapshots and classifies every change
// between them, including table column-shift patterns that single-cell
// comparison would misreport as unrelated value edits.
package diff

// ChangeType classifies one detected change between record snapshots.
type ChangeType string

const (
	ChangeValueCorrected   ChangeType = "value_corrected"
	ChangeFieldAdded       ChangeType = "field_added"
	ChangeFieldRemoved     ChangeType = "field_removed"
	ChangeTableRowsChanged ChangeType = "table_rows_changed"
	ChangeColumnShift      ChangeType = "column_shift"
)

// Shift patterns, classified by how many columns of a row moved together.
const (
	PatternSingleColumnShift   = "single_column_shift"
	PatternMultipleColumnShift = "multiple_column_shift"
	PatternCascadeShift        = "cascade_shift"
)

// Per-column movement types within a shifted row.
const (
	MoveValueAdded    = "value_added"
	MoveValueRemoved  = "value_removed"
	MoveValueReplaced = "value_replaced"
	MoveValueMoved    = "value_moved"
)

// CorrectionRecord is one detected change between two record snapshots.
// Records are append-only: once attached to a round they are never mutated.
type CorrectionRecord struct {
	FieldPath   string     `json:"field_path"`
	ChangeType  ChangeType `json:"change_type"`
	BeforeValue string     `json:"before_value"`
	AfterValue  string     `json:"after_value"`
	RoundNumber int        `json:"round_number"`

	// Set only for column_shift records.
	ShiftPattern    string        `json:"shift_pattern,omitempty"`
	ColumnsAffected int           `json:"columns_affected,omitempty"`
	ShiftDetails    []ShiftDetail `json:"shift_details,omitempty"`

	// TableChange marks added or removed fields whose value is a table,
	// which the accuracy estimator penalizes more heavily than a scalar.
	TableChange bool `json:"-"`
}

// ShiftDetail describes how one column's value moved within a row.
type ShiftDetail struct {
	Column         string `json:"column"`
	MovementType   string `json:"movement_type"`
	Before         string `json:"before"`
	After          string `json:"after"`
	MovedToColumn  string `json:"moved_to_column,omitempty"`
	ShiftDirection string `json:"shift_direction,omitempty"`
}
