package sheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"

	"github.com/zombor/receipt-ledger/internal/calendar"
)

// ErrWriteConflict means another writer took the row between write and verify
var ErrWriteConflict = errors.New("write conflict")

// WriteError is returned when a row could not be written. Attempts counts
// every LOCATE..VERIFY round that ran.
type WriteError struct {
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing row failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// WriteRequest is one receipt row to append
type WriteRequest struct {
	SheetName string
	Columns   Columns
	StartRow  int
	Supplier  string
	DateISO   string
	Total     float64
	// Who owns the columns; used by the locking policy to name its lock
	Who string
	// MaxRetries bounds the attempts of the optimistic policy (default from WriterOptions)
	MaxRetries int
}

// WriteResult reports where the row landed
type WriteResult struct {
	Sheet    string `json:"sheet"`
	Row      int    `json:"row"`
	Range    string `json:"range"`
	Attempts int    `json:"attempts"`
}

// RowWriter appends receipt rows
type RowWriter interface {
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
}

// WriterOptions tunes both write policies
type WriterOptions struct {
	MaxRetries       int
	PropagationDelay time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	DatePattern      string
}

// DefaultWriterOptions returns 5 attempts, 100ms settle delay and a 100ms..2s backoff
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		MaxRetries:       5,
		PropagationDelay: 100 * time.Millisecond,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		DatePattern:      "dd/mm/yyyy",
	}
}

func (o WriterOptions) withDefaults() WriterOptions {
	d := DefaultWriterOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.DatePattern == "" {
		o.DatePattern = d.DatePattern
	}
	return o
}

// OptimisticWriter appends rows without a lock: it stamps the label with a
// transaction marker, waits, and re-reads the label to see whether it kept the row.
type OptimisticWriter struct {
	sheet Spreadsheet
	opts  WriterOptions
	newID func() string
}

// NewOptimisticWriter creates a writer over ss
func NewOptimisticWriter(ss Spreadsheet, opts WriterOptions) *OptimisticWriter {
	return &OptimisticWriter{
		sheet: ss,
		opts:  opts.withDefaults(),
		newID: newTransactionID,
	}
}

// Write locates, writes and verifies a row, retrying conflicts and transient
// remote failures with capped exponential backoff
func (w *OptimisticWriter) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	req, err := prepare(req)
	if err != nil {
		return nil, &WriteError{Err: err}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.opts.MaxRetries
	}

	logger := slog.With("request_id", uuid.NewString(), "sheet", req.SheetName, "who", req.Who)

	b := retry.NewExponential(w.opts.BaseBackoff)
	b = retry.WithCappedDuration(w.opts.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(maxRetries-1), b)

	var (
		attempts int
		result   *WriteResult
	)
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		res, err := w.attempt(ctx, logger, req, attempts)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, ErrWriteConflict) || IsTransient(err) {
			logger.Warn("Row write attempt failed, retrying", "attempt", attempts, "max_attempts", maxRetries, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		logger.Error("Row write failed", "attempts", attempts, "error", err)
		return nil, &WriteError{Attempts: attempts, Err: err}
	}

	logger.Info("Row written", "row", result.Row, "attempts", attempts)
	return result, nil
}

func (w *OptimisticWriter) attempt(ctx context.Context, logger *slog.Logger, req WriteRequest, attempt int) (*WriteResult, error) {
	row, err := FindNextEmptyRow(ctx, w.sheet, req.SheetName, req.Columns.Label, req.StartRow)
	if err != nil {
		return nil, fmt.Errorf("locating next empty row: %w", err)
	}

	txID := w.newID()
	rowRange, err := writeRow(ctx, w.sheet, req, row, Mark(req.Supplier, txID))
	if err != nil {
		return nil, fmt.Errorf("writing row %d: %w", row, err)
	}

	if err := sleep(ctx, w.opts.PropagationDelay); err != nil {
		return nil, err
	}

	label := CellRef{SheetName: req.SheetName, Column: req.Columns.Label, Row: row}
	values, err := w.sheet.ReadRange(ctx, label.Range())
	if err != nil {
		return nil, fmt.Errorf("verifying row %d: %w", row, err)
	}
	read := cellString(firstRow(values))
	if !HasMarker(read, txID) {
		logger.Debug("Transaction marker overwritten", "row", row, "attempt", attempt)
		return nil, fmt.Errorf("row %d: %w", row, ErrWriteConflict)
	}

	clean := strings.ReplaceAll(read, markerPrefix+txID, "")
	if err := w.sheet.WriteRange(ctx, label.Range(), [][]any{{clean}}); err != nil {
		logger.Warn("Removing transaction marker failed", "row", row, "error", err)
	}
	formatDate(ctx, logger, w.sheet, req, row, w.opts.DatePattern)

	return &WriteResult{Sheet: req.SheetName, Row: row, Range: rowRange, Attempts: attempt}, nil
}

// prepare validates the request and fills defaults shared by both policies
func prepare(req WriteRequest) (WriteRequest, error) {
	if strings.TrimSpace(req.SheetName) == "" {
		return req, fmt.Errorf("sheet name is required")
	}
	cols, err := req.Columns.Normalize()
	if err != nil {
		return req, err
	}
	req.Columns = cols
	if req.StartRow < 1 {
		req.StartRow = 1
	}
	return req, nil
}

// writeRow puts label, date and total into row. Adjacent columns go out as
// one range; otherwise the three cells are batched so nothing between them is touched.
func writeRow(ctx context.Context, ss Spreadsheet, req WriteRequest, row int, label string) (string, error) {
	date := DateCellValue(req.DateISO)
	rowRange := Range{Sheet: req.SheetName, StartCol: req.Columns.Label, EndCol: req.Columns.Total, StartRow: row, EndRow: row}

	if req.Columns.contiguous() {
		return rowRange.A1(), ss.WriteRange(ctx, rowRange, [][]any{{label, date, req.Total}})
	}

	cells := []CellValue{
		{Ref: CellRef{SheetName: req.SheetName, Column: req.Columns.Label, Row: row}, Value: label},
		{Ref: CellRef{SheetName: req.SheetName, Column: req.Columns.Date, Row: row}, Value: date},
		{Ref: CellRef{SheetName: req.SheetName, Column: req.Columns.Total, Row: row}, Value: req.Total},
	}
	return rowRange.A1(), ss.WriteCells(ctx, cells)
}

func formatDate(ctx context.Context, logger *slog.Logger, ss Spreadsheet, req WriteRequest, row int, pattern string) {
	ref := CellRef{SheetName: req.SheetName, Column: req.Columns.Date, Row: row}
	if err := ss.FormatDate(ctx, ref, pattern); err != nil {
		logger.Warn("Applying date format failed", "row", row, "error", err)
	}
}

// DateCellValue returns the spreadsheet serial of a parseable date and the
// raw text otherwise
func DateCellValue(dateISO string) any {
	if d, ok := calendar.Parse(strings.TrimSpace(dateISO)); ok {
		return d.Serial()
	}
	return dateISO
}

// IsTransient reports remote failures worth retrying: throttling, server
// errors and network timeouts
func IsTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func firstRow(values [][]any) []any {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
