// Package tabular converts between a store's key-to-object records and a
// row-labeled table, the shape spreadsheet-style consumers want.
//
// Non-JSON-native cell values (timestamps, integer types) are serialized to
// a canonical text or number form before they reach a store, and that form
// parses back identically on load: the round trip through [FromRecords] and
// [Table.Records] is stable.
package tabular

import (
	"fmt"
	"sort"

	"github.com/leiwu0227/jsonldb/jsonl"
)

// Table is a row-labeled view of a set of records. Rows are addressed by
// record key, columns by field name, both ascending. A nil cell means the
// record has no value for that column.
type Table struct {
	Keys    []string
	Columns []string
	Cells   [][]any // Cells[row][col], parallel to Keys x Columns
}

// FromRecords builds a table from records. The column set is the union of
// every record's field names.
func FromRecords(records map[string]jsonl.Object) *Table {
	keys := make([]string, 0, len(records))
	colSet := map[string]struct{}{}
	for k, obj := range records {
		keys = append(keys, k)
		for field := range obj {
			colSet[field] = struct{}{}
		}
	}
	sort.Strings(keys)
	columns := make([]string, 0, len(colSet))
	for c := range colSet {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	cells := make([][]any, len(keys))
	for i, k := range keys {
		row := make([]any, len(columns))
		for j, c := range columns {
			if v, ok := records[k][c]; ok {
				row[j] = v
			}
		}
		cells[i] = row
	}
	return &Table{Keys: keys, Columns: columns, Cells: cells}
}

// Records converts the table back to store records, canonicalizing every
// cell into the store's JSON value domain. Nil cells are omitted from their
// record.
func (t *Table) Records() (map[string]jsonl.Object, error) {
	records := make(map[string]jsonl.Object, len(t.Keys))
	for i, k := range t.Keys {
		obj := jsonl.Object{}
		for j, c := range t.Columns {
			v := t.Cells[i][j]
			if v == nil {
				continue
			}
			cv, err := jsonl.NormalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("row %q, column %q: %w", k, c, err)
			}
			obj[c] = cv
		}
		records[k] = obj
	}
	return records, nil
}

// At returns the cell for a key and column, and whether it is set.
func (t *Table) At(key, column string) (any, bool) {
	i := sort.SearchStrings(t.Keys, key)
	j := sort.SearchStrings(t.Columns, column)
	if i >= len(t.Keys) || t.Keys[i] != key || j >= len(t.Columns) || t.Columns[j] != column {
		return nil, false
	}
	v := t.Cells[i][j]
	return v, v != nil
}
