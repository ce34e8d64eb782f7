package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/calendar"
)

// Entity is one node of the entity tree produced by a document-understanding service
type Entity struct {
	Type            string           `json:"type"`
	MentionText     string           `json:"mentionText,omitempty"`
	Confidence      float64          `json:"confidence"`
	NormalizedValue *NormalizedValue `json:"normalizedValue,omitempty"`
	Properties      []Entity         `json:"properties,omitempty"`
}

// NormalizedValue holds the structured reading of an entity, when the service has one
type NormalizedValue struct {
	Text       string         `json:"text,omitempty"`
	MoneyValue *Money         `json:"moneyValue,omitempty"`
	DateValue  *calendar.Date `json:"dateValue,omitempty"`
}

// Money is an amount split into whole units and billionths
type Money struct {
	Units        int64  `json:"units"`
	Nanos        int32  `json:"nanos,omitempty"`
	CurrencyCode string `json:"currencyCode,omitempty"`
}

// Decimal returns units + nanos/1e9 without float rounding
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.Units).Add(decimal.New(int64(m.Nanos), -9))
}

// UnmarshalJSON accepts units either as a number or as a string, since the
// REST encoding of int64 is a string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Units        json.RawMessage `json:"units"`
		Nanos        int32           `json:"nanos"`
		CurrencyCode string          `json:"currencyCode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Nanos = raw.Nanos
	m.CurrencyCode = raw.CurrencyCode
	m.Units = 0

	units := strings.Trim(string(raw.Units), `"`)
	if units == "" || units == "null" {
		return nil
	}
	n, err := strconv.ParseInt(units, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing money units %q: %w", units, err)
	}
	m.Units = n
	return nil
}

// Document is the entity forest returned for one scanned image
type Document struct {
	Entities []Entity `json:"entities"`
}

// Scanner defines the interface for document-understanding backends
type Scanner interface {
	// ScanDocument sends the raw bytes to the backend and returns its entity tree
	ScanDocument(ctx context.Context, data []byte, mimeType string) (*Document, error)
	// Close closes the scanner and releases resources
	Close() error
}

// ReadinessChecker is implemented by scanners that can verify their backend is reachable
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}
