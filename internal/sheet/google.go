package sheet

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// GoogleConfig selects the spreadsheet and the credentials used to reach it
type GoogleConfig struct {
	SpreadsheetID string
	// ServiceAccountPath is a service account JSON key; empty means Application Default Credentials
	ServiceAccountPath string
}

// Validate checks the config is usable
func (c GoogleConfig) Validate() error {
	if c.SpreadsheetID == "" {
		return fmt.Errorf("spreadsheet id is required")
	}
	if c.ServiceAccountPath != "" {
		if _, err := os.Stat(c.ServiceAccountPath); err != nil {
			return fmt.Errorf("service account file: %w", err)
		}
	}
	return nil
}

// GoogleSheets implements Spreadsheet with the Sheets v4 API
type GoogleSheets struct {
	service       *sheets.Service
	spreadsheetID string

	mu       sync.Mutex
	sheetIDs map[string]int64
}

// NewGoogleSheets creates a client for one spreadsheet. When opts are given
// they replace credential discovery entirely.
func NewGoogleSheets(ctx context.Context, cfg GoogleConfig, opts ...option.ClientOption) (*GoogleSheets, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}

	if len(opts) == 0 {
		clientOpt, err := credentials(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = []option.ClientOption{clientOpt}
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}

	return &GoogleSheets{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		sheetIDs:      make(map[string]int64),
	}, nil
}

func credentials(ctx context.Context, cfg GoogleConfig) (option.ClientOption, error) {
	if cfg.ServiceAccountPath != "" {
		jsonKey, err := os.ReadFile(cfg.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("reading service account file: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(jsonKey, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("parsing service account key: %w", err)
		}
		return option.WithHTTPClient(jwtConfig.Client(ctx)), nil
	}

	client, err := google.DefaultClient(ctx, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("finding default credentials: %w", err)
	}
	return option.WithHTTPClient(client), nil
}

// ReadRange reads unformatted values, so numbers and serial dates come back as numbers
func (g *GoogleSheets) ReadRange(ctx context.Context, r Range) ([][]any, error) {
	resp, err := g.service.Spreadsheets.Values.Get(g.spreadsheetID, r.A1()).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", r.A1(), err)
	}
	return resp.Values, nil
}

// WriteRange writes values with RAW input, so strings are never reinterpreted
func (g *GoogleSheets) WriteRange(ctx context.Context, r Range, values [][]any) error {
	_, err := g.service.Spreadsheets.Values.Update(g.spreadsheetID, r.A1(), &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("writing %s: %w", r.A1(), err)
	}
	return nil
}

// WriteCells writes scattered cells in one values batch update
func (g *GoogleSheets) WriteCells(ctx context.Context, cells []CellValue) error {
	data := make([]*sheets.ValueRange, 0, len(cells))
	for _, c := range cells {
		data = append(data, &sheets.ValueRange{
			Range:  c.Ref.Range().A1(),
			Values: [][]any{{c.Value}},
		})
	}

	_, err := g.service.Spreadsheets.Values.BatchUpdate(g.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("batch writing %d cells: %w", len(cells), err)
	}
	return nil
}

// FormatDate applies a DATE number format to one cell
func (g *GoogleSheets) FormatDate(ctx context.Context, ref CellRef, pattern string) error {
	sheetID, err := g.sheetID(ctx, ref.SheetName)
	if err != nil {
		return err
	}
	col, err := ColumnIndex(ref.Column)
	if err != nil {
		return err
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    int64(ref.Row - 1),
					EndRowIndex:      int64(ref.Row),
					StartColumnIndex: int64(col),
					EndColumnIndex:   int64(col + 1),
					ForceSendFields:  []string{"SheetId", "StartRowIndex", "StartColumnIndex"},
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						NumberFormat: &sheets.NumberFormat{Type: "DATE", Pattern: pattern},
					},
				},
				Fields: "userEnteredFormat.numberFormat",
			},
		}},
	}

	if _, err := g.service.Spreadsheets.BatchUpdate(g.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("formatting %s: %w", ref.Range().A1(), err)
	}
	return nil
}

// ListSheets returns the tabs of the spreadsheet and remembers their ids
func (g *GoogleSheets) ListSheets(ctx context.Context) ([]SheetInfo, error) {
	resp, err := g.service.Spreadsheets.Get(g.spreadsheetID).
		Fields(googleapi.Field("sheets.properties(sheetId,title,index)")).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("getting spreadsheet: %w", err)
	}

	out := make([]SheetInfo, 0, len(resp.Sheets))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range resp.Sheets {
		if s.Properties == nil {
			continue
		}
		info := SheetInfo{ID: s.Properties.SheetId, Title: s.Properties.Title, Index: int(s.Properties.Index)}
		g.sheetIDs[info.Title] = info.ID
		out = append(out, info)
	}
	return out, nil
}

func (g *GoogleSheets) sheetID(ctx context.Context, title string) (int64, error) {
	g.mu.Lock()
	id, ok := g.sheetIDs[title]
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := g.ListSheets(ctx); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok = g.sheetIDs[title]
	if !ok {
		return 0, fmt.Errorf("sheet %q not found", title)
	}
	return id, nil
}
