package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// entityScanPrompt is the shared prompt used by all LLM providers. It asks for
// the same entity list shape a document-understanding processor returns.
const entityScanPrompt = `You are analyzing a photo of a paper receipt. Read all of the text and return the entities you find.

Return ONLY valid JSON in this exact format:
{
  "entities": [
    {"type": "supplier_name", "mentionText": "CARREFOUR", "confidence": 0.95},
    {"type": "receipt_date", "mentionText": "15/03/2024", "confidence": 0.9,
     "normalizedValue": {"dateValue": {"year": 2024, "month": 3, "day": 15}}},
    {"type": "total_amount", "mentionText": "42,50", "confidence": 0.9,
     "normalizedValue": {"moneyValue": {"units": 42, "nanos": 500000000, "currencyCode": "EUR"}}}
  ]
}

Entity types you may use: supplier_name, receipt_date, total_amount, net_amount, total_tax_amount, currency, line_item.
Important:
- mentionText is the text exactly as printed on the receipt
- confidence is a number between 0 and 1
- nanos are billionths of a unit (0.50 is 500000000)
- Leave out entities you cannot find
- Do not include any text before or after the JSON`

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return encodePNG(img)
}

// imageToPNG re-encodes JPEG, GIF, PNG or HEIC/HEIF as PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(imageData))
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("unsupported image format (want JPEG, PNG, GIF, HEIC, HEIF or PDF): %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeMimeType lowercases the content type and drops parameters
func normalizeMimeType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// prepareForVision converts anything that is not already PNG into PNG, which
// every vision model accepts.
func prepareForVision(imageData []byte, contentType string) ([]byte, error) {
	mimeType := normalizeMimeType(contentType)
	switch {
	case mimeType == "application/pdf":
		data, err := pdfToImage(imageData)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
		return data, nil
	case mimeType != "image/png" || isHEICFormat(imageData):
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
		return data, nil
	}
	return imageData, nil
}

// prepareForProcessor keeps formats a document processor reads natively and
// converts HEIC/HEIF to PNG. It returns the bytes and the MIME type to send.
func prepareForProcessor(imageData []byte, contentType string) ([]byte, string, error) {
	mimeType := normalizeMimeType(contentType)
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		data, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, "", fmt.Errorf("converting HEIC to PNG: %w", err)
		}
		return data, "image/png", nil
	}
	return imageData, mimeType, nil
}

// DetectMimeType sniffs the content type of an upload, including HEIC which
// the standard sniffer does not know.
func DetectMimeType(data []byte) string {
	if isHEICFormat(data) {
		return "image/heic"
	}
	return strings.SplitN(http.DetectContentType(data), ";", 2)[0]
}
