package sheet

import (
	"context"
	"fmt"
	"strings"
)

// FindNextEmptyRow returns the first row at or after startRow whose cell in
// column is blank. When the column has no gap, it is the row after the last value.
func FindNextEmptyRow(ctx context.Context, ss Spreadsheet, sheetName, column string, startRow int) (int, error) {
	r := Range{Sheet: sheetName, StartCol: column, EndCol: column, StartRow: startRow}
	values, err := ss.ReadRange(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", r.A1(), err)
	}

	for i, row := range values {
		if strings.TrimSpace(cellString(row)) == "" {
			return startRow + i, nil
		}
	}
	return startRow + len(values), nil
}
