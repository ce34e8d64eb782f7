package sheet

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type cellKey struct {
	row int
	col int
}

type memorySheet struct {
	info    SheetInfo
	cells   map[cellKey]any
	formats map[cellKey]string
}

// MemorySpreadsheet is a thread-safe in-memory Spreadsheet. It backs the
// dry-run mode and lets tests interleave competing writers through its hooks.
type MemorySpreadsheet struct {
	mu     sync.Mutex
	sheets map[string]*memorySheet

	// BeforeRead runs before every read; a non-nil error fails the read
	BeforeRead func(r Range) error
	// BeforeWrite runs before every write with the first range written
	BeforeWrite func(r Range) error
	// FormatErr, when set, is returned by FormatDate
	FormatErr error
}

// NewMemorySpreadsheet creates a spreadsheet with the given tabs
func NewMemorySpreadsheet(titles ...string) *MemorySpreadsheet {
	m := &MemorySpreadsheet{sheets: make(map[string]*memorySheet)}
	for _, t := range titles {
		m.AddSheet(t)
	}
	return m
}

// AddSheet adds an empty tab
func (m *MemorySpreadsheet) AddSheet(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sheets[title]; ok {
		return
	}
	n := len(m.sheets)
	m.sheets[title] = &memorySheet{
		info:    SheetInfo{ID: int64(1000 + n), Title: title, Index: n},
		cells:   make(map[cellKey]any),
		formats: make(map[cellKey]string),
	}
}

// Set writes one cell directly, bypassing hooks
func (m *MemorySpreadsheet) Set(sheet, column string, row int, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, col, err := m.locate(sheet, column)
	if err != nil {
		panic(err)
	}
	s.cells[cellKey{row: row, col: col}] = value
}

// Get reads one cell directly, bypassing hooks
func (m *MemorySpreadsheet) Get(sheet, column string, row int) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, col, err := m.locate(sheet, column)
	if err != nil {
		return nil
	}
	return s.cells[cellKey{row: row, col: col}]
}

// Format returns the date pattern applied to a cell, if any
func (m *MemorySpreadsheet) Format(ref CellRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, col, err := m.locate(ref.SheetName, ref.Column)
	if err != nil {
		return ""
	}
	return s.formats[cellKey{row: ref.Row, col: col}]
}

func (m *MemorySpreadsheet) locate(sheet, column string) (*memorySheet, int, error) {
	s, ok := m.sheets[sheet]
	if !ok {
		return nil, 0, fmt.Errorf("unable to parse range: sheet %q not found", sheet)
	}
	col, err := ColumnIndex(column)
	if err != nil {
		return nil, 0, err
	}
	return s, col, nil
}

// ReadRange returns the block, dropping trailing empty cells and rows like the Sheets API
func (m *MemorySpreadsheet) ReadRange(_ context.Context, r Range) ([][]any, error) {
	if m.BeforeRead != nil {
		if err := m.BeforeRead(r); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, first, err := m.locate(r.Sheet, r.StartCol)
	if err != nil {
		return nil, err
	}
	_, last, err := m.locate(r.Sheet, r.EndCol)
	if err != nil {
		return nil, err
	}

	endRow := r.EndRow
	if endRow == 0 {
		for k := range s.cells {
			if k.col >= first && k.col <= last && k.row > endRow {
				endRow = k.row
			}
		}
	}

	var rows [][]any
	for row := r.StartRow; row <= endRow; row++ {
		var values []any
		for col := first; col <= last; col++ {
			v, ok := s.cells[cellKey{row: row, col: col}]
			if !ok {
				v = ""
			}
			values = append(values, v)
		}
		for len(values) > 0 && isBlank(values[len(values)-1]) {
			values = values[:len(values)-1]
		}
		rows = append(rows, values)
	}
	for len(rows) > 0 && len(rows[len(rows)-1]) == 0 {
		rows = rows[:len(rows)-1]
	}
	return rows, nil
}

// WriteRange writes values starting at the top-left of r
func (m *MemorySpreadsheet) WriteRange(_ context.Context, r Range, values [][]any) error {
	if m.BeforeWrite != nil {
		if err := m.BeforeWrite(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, first, err := m.locate(r.Sheet, r.StartCol)
	if err != nil {
		return err
	}
	for i, row := range values {
		for j, v := range row {
			s.cells[cellKey{row: r.StartRow + i, col: first + j}] = v
		}
	}
	return nil
}

// WriteCells writes each cell; all or nothing
func (m *MemorySpreadsheet) WriteCells(_ context.Context, cells []CellValue) error {
	if len(cells) == 0 {
		return nil
	}
	if m.BeforeWrite != nil {
		if err := m.BeforeWrite(cells[0].Ref.Range()); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type pending struct {
		s   *memorySheet
		key cellKey
		v   any
	}
	var writes []pending
	for _, c := range cells {
		s, col, err := m.locate(c.Ref.SheetName, c.Ref.Column)
		if err != nil {
			return err
		}
		writes = append(writes, pending{s: s, key: cellKey{row: c.Ref.Row, col: col}, v: c.Value})
	}
	for _, w := range writes {
		w.s.cells[w.key] = w.v
	}
	return nil
}

// FormatDate records the pattern for the cell
func (m *MemorySpreadsheet) FormatDate(_ context.Context, ref CellRef, pattern string) error {
	if m.FormatErr != nil {
		return m.FormatErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, col, err := m.locate(ref.SheetName, ref.Column)
	if err != nil {
		return err
	}
	s.formats[cellKey{row: ref.Row, col: col}] = pattern
	return nil
}

// ListSheets returns the tabs in index order
func (m *MemorySpreadsheet) ListSheets(_ context.Context) ([]SheetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SheetInfo, 0, len(m.sheets))
	for _, s := range m.sheets {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
