package scanning

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/api/documentai/v1"
	"google.golang.org/api/option"

	"github.com/zombor/receipt-ledger/internal/calendar"
)

// DocumentAIConfig identifies the processor to call
type DocumentAIConfig struct {
	ProjectID   string
	Location    string
	ProcessorID string
	// CredentialsFile is optional; Application Default Credentials are used otherwise.
	CredentialsFile string
}

// ProcessorName returns projects/P/locations/L/processors/ID
func (c DocumentAIConfig) ProcessorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", c.ProjectID, c.location(), c.ProcessorID)
}

func (c DocumentAIConfig) location() string {
	if c.Location == "" {
		return "eu"
	}
	return c.Location
}

// DocumentAI implements the Scanner interface with a Google Document AI processor
type DocumentAI struct {
	service *documentai.Service
	name    string
	timeout time.Duration
}

// NewDocumentAI creates a client bound to the regional endpoint of the processor.
// Extra options are appended after the defaults, so tests can point it elsewhere.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, opts ...option.ClientOption) (*DocumentAI, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("document ai project and processor id are required")
	}

	defaults := []option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("https://%s-documentai.googleapis.com/", cfg.location())),
		option.WithScopes(documentai.CloudPlatformScope),
	}
	if cfg.CredentialsFile != "" {
		defaults = append(defaults, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	service, err := documentai.NewService(ctx, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating document ai service: %w", err)
	}

	return &DocumentAI{
		service: service,
		name:    cfg.ProcessorName(),
		timeout: 90 * time.Second,
	}, nil
}

// Name returns the processor resource name
func (d *DocumentAI) Name() string {
	return d.name
}

// ScanDocument runs the processor over the raw bytes
func (d *DocumentAI) ScanDocument(ctx context.Context, data []byte, mimeType string) (*Document, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	payload, mimeType, err := prepareForProcessor(data, mimeType)
	if err != nil {
		return nil, err
	}

	req := &documentai.GoogleCloudDocumentaiV1ProcessRequest{
		RawDocument: &documentai.GoogleCloudDocumentaiV1RawDocument{
			Content:  base64.StdEncoding.EncodeToString(payload),
			MimeType: mimeType,
		},
	}

	resp, err := d.service.Projects.Locations.Processors.Process(d.name, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("processing document: %w", err)
	}
	if resp.Document == nil {
		return &Document{}, nil
	}

	doc := &Document{Entities: make([]Entity, 0, len(resp.Document.Entities))}
	for _, e := range resp.Document.Entities {
		doc.Entities = append(doc.Entities, convertEntity(e))
	}
	return doc, nil
}

// Ready fetches the processor, which fails when credentials or the name are wrong
func (d *DocumentAI) Ready(ctx context.Context) error {
	if _, err := d.service.Projects.Locations.Processors.Get(d.name).Context(ctx).Do(); err != nil {
		return fmt.Errorf("fetching processor %s: %w", d.name, err)
	}
	return nil
}

// Close is a no-op; the REST client holds no resources
func (d *DocumentAI) Close() error {
	return nil
}

func convertEntity(e *documentai.GoogleCloudDocumentaiV1DocumentEntity) Entity {
	out := Entity{
		Type:        e.Type,
		MentionText: e.MentionText,
		Confidence:  e.Confidence,
	}

	if nv := e.NormalizedValue; nv != nil {
		out.NormalizedValue = &NormalizedValue{Text: nv.Text}
		if m := nv.MoneyValue; m != nil {
			out.NormalizedValue.MoneyValue = &Money{
				Units:        m.Units,
				Nanos:        int32(m.Nanos),
				CurrencyCode: m.CurrencyCode,
			}
		}
		if dv := nv.DateValue; dv != nil {
			out.NormalizedValue.DateValue = &calendar.Date{
				Year:  int(dv.Year),
				Month: int(dv.Month),
				Day:   int(dv.Day),
			}
		}
	}

	for _, p := range e.Properties {
		out.Properties = append(out.Properties, convertEntity(p))
	}
	return out
}
