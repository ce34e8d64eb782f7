package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// serialEpochOffset is the spreadsheet serial of 1970-01-01 (day 0 is 1899-12-30).
const serialEpochOffset = 25569

// Date is a calendar day without a time zone. The JSON shape matches
// google.type.Date so it can be decoded straight out of entity trees.
type Date struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
	Day   int `json:"day,omitempty"`
}

var (
	ymdPattern      = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	dmyPattern      = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})$`)
	timestampPrefix = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[T\s]`)

	// Free text only needs to contain a date somewhere.
	ymdInText = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)
	dmyInText = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})`)
)

// Complete reports whether year, month and day are all set.
func (d Date) Complete() bool {
	return d.Year != 0 && d.Month != 0 && d.Day != 0
}

// Valid reports whether d names a day that exists in the Gregorian calendar.
func (d Date) Valid() bool {
	if !d.Complete() || d.Month < 1 || d.Month > 12 || d.Day < 1 {
		return false
	}
	t := d.Time()
	return t.Year() == d.Year && int(t.Month()) == d.Month && t.Day() == d.Day
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Serial returns the spreadsheet day number: days elapsed since 1899-12-30.
func (d Date) Serial() int64 {
	return d.Time().Unix()/86400 + serialEpochOffset
}

// Parse accepts YYYY-M-D, D-M-YYYY (any of - / . as separator) or an
// ISO timestamp, and returns the day only when it exists.
func Parse(s string) (Date, bool) {
	if m := ymdPattern.FindStringSubmatch(s); m != nil {
		return validated(m[1], m[2], m[3])
	}
	if m := dmyPattern.FindStringSubmatch(s); m != nil {
		return validated(m[3], m[2], m[1])
	}
	if m := timestampPrefix.FindStringSubmatch(s); m != nil {
		return validated(m[1], m[2], m[3])
	}
	return Date{}, false
}

// Find returns the first real YYYY-MM-DD (or YYYY/MM/DD) date anywhere in
// text, then the first real DD/MM/YYYY one. Impossible matches are skipped.
func Find(text string) (Date, bool) {
	for _, m := range ymdInText.FindAllStringSubmatch(text, -1) {
		if d, ok := validated(m[1], m[2], m[3]); ok {
			return d, true
		}
	}
	for _, m := range dmyInText.FindAllStringSubmatch(text, -1) {
		if d, ok := validated(m[3], m[2], m[1]); ok {
			return d, true
		}
	}
	return Date{}, false
}

func validated(year, month, day string) (Date, bool) {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	dd, _ := strconv.Atoi(day)
	d := Date{Year: y, Month: m, Day: dd}
	if !d.Valid() {
		return Date{}, false
	}
	return d, true
}
