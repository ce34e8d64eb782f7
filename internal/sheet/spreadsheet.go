package sheet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Range is a rectangular block of one sheet. EndRow 0 means "to the last row".
type Range struct {
	Sheet    string
	StartCol string
	EndCol   string
	StartRow int
	EndRow   int
}

// A1 renders the range in A1 notation with the sheet name quoted
func (r Range) A1() string {
	sheet := "'" + strings.ReplaceAll(r.Sheet, "'", "''") + "'"
	if r.EndRow == 0 {
		return fmt.Sprintf("%s!%s%d:%s", sheet, r.StartCol, r.StartRow, r.EndCol)
	}
	return fmt.Sprintf("%s!%s%d:%s%d", sheet, r.StartCol, r.StartRow, r.EndCol, r.EndRow)
}

// CellRef addresses one cell
type CellRef struct {
	SheetName string
	Column    string
	Row       int
}

// Range returns the single-cell range of the reference
func (c CellRef) Range() Range {
	return Range{Sheet: c.SheetName, StartCol: c.Column, EndCol: c.Column, StartRow: c.Row, EndRow: c.Row}
}

// CellValue is a value destined for one cell
type CellValue struct {
	Ref   CellRef
	Value any
}

// SheetInfo describes one tab of the spreadsheet
type SheetInfo struct {
	ID    int64  `json:"sheetId"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

// Spreadsheet is the remote tabular store, bound to one spreadsheet
type Spreadsheet interface {
	// ReadRange returns rows of raw cell values; trailing empty rows and cells may be omitted
	ReadRange(ctx context.Context, r Range) ([][]any, error)

	// WriteRange writes values as-is (no formula or date parsing)
	WriteRange(ctx context.Context, r Range, values [][]any) error

	// WriteCells writes scattered cells in one request
	WriteCells(ctx context.Context, cells []CellValue) error

	// FormatDate applies a DATE number format with pattern to one cell
	FormatDate(ctx context.Context, ref CellRef, pattern string) error

	// ListSheets returns the tabs of the spreadsheet
	ListSheets(ctx context.Context) ([]SheetInfo, error)
}

// cellString renders the first value of a row for emptiness and marker checks
func cellString(row []any) string {
	if len(row) == 0 || row[0] == nil {
		return ""
	}
	switch v := row[0].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
