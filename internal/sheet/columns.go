package sheet

import (
	"fmt"
	"strings"
)

// ColumnIndex converts letters to a zero-based index in bijective base 26:
// A is 0, Z is 25, AA is 26. Case and surrounding whitespace are ignored.
func ColumnIndex(letters string) (int, error) {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0, fmt.Errorf("empty column")
	}

	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column %q", letters)
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1, nil
}

// ColumnLetter is the inverse of ColumnIndex
func ColumnLetter(index int) string {
	if index < 0 {
		return ""
	}
	var b []byte
	for n := index; n >= 0; n = n/26 - 1 {
		b = append([]byte{byte('A' + n%26)}, b...)
	}
	return string(b)
}

// Columns names where the label, date and total of a row go
type Columns struct {
	Label string `json:"label"`
	Date  string `json:"date"`
	Total string `json:"total"`
}

// Normalize upper-cases and validates the three columns
func (c Columns) Normalize() (Columns, error) {
	out := Columns{}
	for _, f := range []struct {
		name string
		in   string
		out  *string
	}{
		{"label", c.Label, &out.Label},
		{"date", c.Date, &out.Date},
		{"total", c.Total, &out.Total},
	} {
		idx, err := ColumnIndex(f.in)
		if err != nil {
			return Columns{}, fmt.Errorf("%s column: %w", f.name, err)
		}
		*f.out = ColumnLetter(idx)
	}
	return out, nil
}

// contiguous reports whether label, date and total are adjacent in that order
func (c Columns) contiguous() bool {
	l, errL := ColumnIndex(c.Label)
	d, errD := ColumnIndex(c.Date)
	t, errT := ColumnIndex(c.Total)
	return errL == nil && errD == nil && errT == nil && d == l+1 && t == d+1
}
