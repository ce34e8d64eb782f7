package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/sheet"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownWho     = errors.New("unknown who")
	ErrBatchTooLarge  = errors.New("too many images")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("email not allowed")
	ErrNotReady       = errors.New("not ready")
)

// batchWorkers bounds concurrent scans of one batch
const batchWorkers = 4

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// BatchItem is the outcome of one image of a batch
type BatchItem struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	*scanning.Triplet
}

// WriteRowRequest is the body of a sheet write
type WriteRowRequest struct {
	SheetName string  `json:"sheetName"`
	Who       string  `json:"who"`
	Supplier  string  `json:"supplier"`
	DateISO   string  `json:"dateISO"`
	Total     float64 `json:"total"`
}

// Service scans receipts and appends them to the spreadsheet
type Service struct {
	cfg     Config
	scanner scanning.Scanner
	sheets  sheet.Spreadsheet
	writer  sheet.RowWriter
	clock   TimeSource
}

// NewService creates a Service using the system clock
func NewService(cfg Config, scanner scanning.Scanner, sheets sheet.Spreadsheet, writer sheet.RowWriter) *Service {
	return NewServiceWithDeps(cfg, scanner, sheets, writer, defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(cfg Config, scanner scanning.Scanner, sheets sheet.Spreadsheet, writer sheet.RowWriter, clock TimeSource) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		scanner: scanner,
		sheets:  sheets,
		writer:  writer,
		clock:   clock,
	}
}

// Config returns the effective configuration
func (s *Service) Config() Config {
	return s.cfg
}

// Now returns the service clock time
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// ScanRaw returns the entity tree of a document
func (s *Service) ScanRaw(ctx context.Context, data []byte, mimeType string) (*scanning.Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidRequest)
	}
	if mimeType == "" {
		mimeType = scanning.DetectMimeType(data)
	}

	doc, err := s.scanner.ScanDocument(ctx, data, mimeType)
	if err != nil {
		slog.Error("Failed to scan document", "content_type", mimeType, "file_size", len(data), "error", err)
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return doc, nil
}

// Scan extracts supplier, date and total from a document
func (s *Service) Scan(ctx context.Context, data []byte, mimeType string) (*scanning.Triplet, error) {
	doc, err := s.ScanRaw(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}
	t := scanning.ExtractTriplet(doc.Entities)
	return &t, nil
}

// ScanBatch scans up to MaxBatch images. A failing image fails only its own
// item; items keep the order of images.
func (s *Service) ScanBatch(ctx context.Context, images [][]byte) ([]BatchItem, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrInvalidRequest)
	}
	if len(images) > s.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: max %d", ErrBatchTooLarge, s.cfg.MaxBatch)
	}

	items := make([]BatchItem, len(images))
	var g errgroup.Group
	g.SetLimit(batchWorkers)
	for i, img := range images {
		g.Go(func() error {
			t, err := s.Scan(ctx, img, "")
			if err != nil {
				items[i] = BatchItem{OK: false, Error: err.Error()}
				return nil
			}
			items[i] = BatchItem{OK: true, Triplet: t}
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

// WriteRow appends a receipt to the sheet of req using the columns of req.Who
func (s *Service) WriteRow(ctx context.Context, req WriteRowRequest) (*sheet.WriteResult, error) {
	req.Supplier = strings.TrimSpace(req.Supplier)
	if req.SheetName == "" || req.Who == "" || req.Supplier == "" || req.DateISO == "" {
		return nil, fmt.Errorf("%w: sheetName, who, supplier and dateISO are required", ErrInvalidRequest)
	}
	if s.cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet id not configured", ErrNotReady)
	}

	cols, ok := s.cfg.WhoColumns[req.Who]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWho, req.Who)
	}

	result, err := s.writer.Write(ctx, sheet.WriteRequest{
		SheetName: req.SheetName,
		Columns:   cols,
		StartRow:  s.cfg.StartRow,
		Supplier:  req.Supplier,
		DateISO:   req.DateISO,
		Total:     req.Total,
		Who:       req.Who,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Receipt written", "sheet", result.Sheet, "row", result.Row, "attempts", result.Attempts)
	return result, nil
}

// ListSheets returns the tabs of the spreadsheet ordered by position
func (s *Service) ListSheets(ctx context.Context) ([]sheet.SheetInfo, error) {
	if s.cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet id not configured", ErrNotReady)
	}
	list, err := s.sheets.ListSheets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sheets: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	return list, nil
}

// Ready checks the configuration and the scanner backend
func (s *Service) Ready(ctx context.Context) error {
	if missing := s.cfg.missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrNotReady, strings.Join(missing, ", "))
	}
	if checker, ok := s.scanner.(scanning.ReadinessChecker); ok {
		if err := checker.Ready(ctx); err != nil {
			return fmt.Errorf("%w: scanner: %v", ErrNotReady, err)
		}
	}
	return nil
}
