package sheet

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/zombor/receipt-ledger/internal/kvstore"
)

var lockTokenUnsafe = regexp.MustCompile(`[^a-z0-9_\-]`)

// LockingWriter serializes writers of the same (spreadsheet, sheet, who)
// through a store lock and writes the row plainly, without a marker
type LockingWriter struct {
	sheet         Spreadsheet
	locks         kvstore.Store
	spreadsheetID string
	opts          WriterOptions
}

// NewLockingWriter creates a writer taking its locks from store
func NewLockingWriter(ss Spreadsheet, store kvstore.Store, spreadsheetID string, opts WriterOptions) *LockingWriter {
	return &LockingWriter{
		sheet:         ss,
		locks:         store,
		spreadsheetID: spreadsheetID,
		opts:          opts.withDefaults(),
	}
}

func (w *LockingWriter) lockKey(req WriteRequest) string {
	token := strings.ToLower(w.spreadsheetID + "_" + req.SheetName + "_" + req.Who)
	return "gsheets_lock/" + lockTokenUnsafe.ReplaceAllString(token, "_")
}

// Write locates and writes a row while holding the lock
func (w *LockingWriter) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	req, err := prepare(req)
	if err != nil {
		return nil, &WriteError{Err: err}
	}
	logger := slog.With("sheet", req.SheetName, "who", req.Who)

	var result *WriteResult
	err = w.locks.WithLock(ctx, w.lockKey(req), func(ctx context.Context) error {
		row, err := FindNextEmptyRow(ctx, w.sheet, req.SheetName, req.Columns.Label, req.StartRow)
		if err != nil {
			return fmt.Errorf("locating next empty row: %w", err)
		}

		rowRange, err := writeRow(ctx, w.sheet, req, row, req.Supplier)
		if err != nil {
			return fmt.Errorf("writing row %d: %w", row, err)
		}
		formatDate(ctx, logger, w.sheet, req, row, w.opts.DatePattern)

		result = &WriteResult{Sheet: req.SheetName, Row: row, Range: rowRange, Attempts: 1}
		return nil
	})
	if err != nil {
		logger.Error("Row write failed", "error", err)
		return nil, &WriteError{Attempts: 1, Err: err}
	}

	logger.Info("Row written", "row", result.Row)
	return result, nil
}
