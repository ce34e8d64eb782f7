package receipt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zombor/receipt-ledger/internal/ratelimit"
	"github.com/zombor/receipt-ledger/internal/sheet"
)

// Config is the runtime configuration of the service, built once at startup
type Config struct {
	SpreadsheetID string
	DefaultSheet  string
	WhoColumns    map[string]sheet.Columns
	StartRow      int
	MaxBatch      int
	// ClientID is the OAuth client id tokens must be issued for; empty skips the audience check
	ClientID       string
	AllowedEmails  []string
	AllowedOrigins []string
	// TrustedProxies may set the client address through forwarding headers
	TrustedProxies ratelimit.TrustedProxies
}

// DefaultWhoColumns is used when no mapping is configured
func DefaultWhoColumns() map[string]sheet.Columns {
	return map[string]sheet.Columns{
		"Sabrina": {Label: "K", Date: "L", Total: "M"},
		"Mickael": {Label: "O", Date: "P", Total: "Q"},
	}
}

func (c Config) withDefaults() Config {
	if c.StartRow <= 0 {
		c.StartRow = 11
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if len(c.WhoColumns) == 0 {
		c.WhoColumns = DefaultWhoColumns()
	}
	return c
}

// WhoOptions lists the configured people in a stable order
func (c Config) WhoOptions() []string {
	names := make([]string, 0, len(c.WhoColumns))
	for name := range c.WhoColumns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// missing names the settings a ready instance needs
func (c Config) missing() []string {
	var out []string
	if c.SpreadsheetID == "" {
		out = append(out, "spreadsheet-id")
	}
	if c.ClientID == "" {
		out = append(out, "oauth-client-id")
	}
	return out
}

// ParseWhoColumns reads the who→columns mapping, either as JSON
// {"Alice":["K","L","M"]} or as "Alice:K,L,M;Bob:O,P,Q". An empty value
// yields the defaults.
func ParseWhoColumns(raw string) (map[string]sheet.Columns, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultWhoColumns(), nil
	}

	lists := map[string][]string{}
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &lists); err != nil {
			return nil, fmt.Errorf("parsing who columns JSON: %w", err)
		}
	} else {
		for _, chunk := range strings.Split(raw, ";") {
			chunk = strings.TrimSpace(chunk)
			if chunk == "" {
				continue
			}
			who, cols, ok := strings.Cut(chunk, ":")
			if !ok {
				return nil, fmt.Errorf("who columns entry %q: missing ':'", chunk)
			}
			lists[who] = strings.Split(cols, ",")
		}
	}

	out := make(map[string]sheet.Columns, len(lists))
	for who, cols := range lists {
		who = strings.TrimSpace(who)
		if who == "" {
			return nil, fmt.Errorf("who columns: empty name")
		}
		if len(cols) != 3 {
			return nil, fmt.Errorf("who columns %q: want 3 columns, got %d", who, len(cols))
		}
		c, err := sheet.Columns{Label: cols[0], Date: cols[1], Total: cols[2]}.Normalize()
		if err != nil {
			return nil, fmt.Errorf("who columns %q: %w", who, err)
		}
		out[who] = c
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("who columns: no entries")
	}
	return out, nil
}

// SplitList splits a comma separated setting, dropping blanks
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
