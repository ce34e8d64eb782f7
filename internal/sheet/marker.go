package sheet

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

const markerPrefix = "|||TX:"

var markerPattern = regexp.MustCompile(`\|\|\|TX:[0-9a-f]*`)

// newTransactionID returns 128 random bits as 32 hex characters
func newTransactionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Mark appends the transaction marker to a label
func Mark(label, txID string) string {
	return label + markerPrefix + txID
}

// HasMarker reports whether the cell text carries the marker of txID
func HasMarker(cell, txID string) bool {
	return strings.Contains(cell, markerPrefix+txID)
}

// StripMarker removes any transaction marker left in a label
func StripMarker(cell string) string {
	return markerPattern.ReplaceAllString(cell, "")
}
