package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/kvstore"
	"github.com/zombor/receipt-ledger/internal/logging"
	"github.com/zombor/receipt-ledger/internal/ratelimit"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/sheet"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type flags struct {
	port      *int
	logLevel  *string
	logFormat *string

	store       *string
	storeDir    *string
	boltPath    *string
	databaseURL *string
	lockTimeout *time.Duration

	scanner      *string
	gcpProject   *string
	gcpLocation  *string
	gcpProcessor *string
	geminiKey    *string
	geminiModel  *string
	ollamaURL    *string
	ollamaModel  *string
	cacheTTL     *time.Duration
	cacheMaxAge  *time.Duration

	sheetsBackend  *string
	spreadsheetID  *string
	defaultSheet   *string
	serviceAccount *string
	whoColumns     *string
	startRow       *int
	writePolicy    *string
	maxRetries     *int

	oauthClientID  *string
	allowedEmails  *string
	allowedOrigins *string
	trustedProxies *string
	maxBatch       *int

	janitorInterval *time.Duration
	showVersion     *bool
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-ledger")
	f := flags{
		port:      fs.IntLong("port", 8080, "HTTP server port"),
		logLevel:  fs.StringLong("log-level", "info", "Log level: debug, info, warn or error"),
		logFormat: fs.StringLong("log-format", "text", "Log format: text or json"),

		store:       fs.StringLong("store", "file", "Shared state backend: file, bolt or postgres"),
		storeDir:    fs.StringLong("store-dir", filepath.Join(os.TempDir(), "receipt-ledger"), "Directory of the file store"),
		boltPath:    fs.StringLong("bolt-path", "receipt-ledger.db", "Database file of the bolt store"),
		databaseURL: fs.StringLong("database-url", "", "PostgreSQL URL of the postgres store"),
		lockTimeout: fs.DurationLong("lock-timeout", 2*time.Second, "How long to wait for a store lock"),

		scanner:      fs.StringLong("scanner", "documentai", "Scanner type: documentai, gemini or ollama"),
		gcpProject:   fs.StringLong("gcp-project", "", "Document AI project id"),
		gcpLocation:  fs.StringLong("gcp-location", "eu", "Document AI location"),
		gcpProcessor: fs.StringLong("gcp-processor", "", "Document AI processor id"),
		geminiKey:    fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel:  fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name"),
		ollamaURL:    fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel:  fs.StringLong("ollama-model", "llava", "Ollama model name"),
		cacheTTL:     fs.DurationLong("cache-ttl", time.Hour, "How long a scan result is reused"),
		cacheMaxAge:  fs.DurationLong("cache-max-age", 24*time.Hour, "Age after which the janitor evicts scan results"),

		sheetsBackend:  fs.StringLong("sheets-backend", "google", "Spreadsheet backend: google or memory"),
		spreadsheetID:  fs.StringLong("spreadsheet-id", "", "Target spreadsheet id"),
		defaultSheet:   fs.StringLong("default-sheet", "", "Sheet preselected in the client"),
		serviceAccount: fs.StringLong("service-account", "", "Service account JSON file (default: application default credentials)"),
		whoColumns:     fs.StringLong("who-columns", "", `Columns per person, JSON {"Alice":["K","L","M"]} or Alice:K,L,M;Bob:O,P,Q`),
		startRow:       fs.IntLong("start-row", 11, "First data row"),
		writePolicy:    fs.StringLong("write-policy", "optimistic", "Row write policy: optimistic or locking"),
		maxRetries:     fs.IntLong("max-retries", 5, "Write attempts before giving up"),

		oauthClientID:  fs.StringLong("oauth-client-id", "", "OAuth client id tokens must be issued for"),
		allowedEmails:  fs.StringLong("allowed-emails", "", "Comma separated e-mail allow-list (empty allows any verified address)"),
		allowedOrigins: fs.StringLong("allowed-origins", "", "Comma separated CORS origins"),
		trustedProxies: fs.StringLong("trusted-proxies", "", "Comma separated proxy addresses or CIDRs whose X-Forwarded-For is honoured"),
		maxBatch:       fs.IntLong("max-batch", 10, "Images per batch scan"),

		janitorInterval: fs.DurationLong("janitor-interval", 24*time.Hour, "Interval between sweeps of stale records"),
		showVersion:     fs.BoolLong("version", "Show version information"),
	}

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *f.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := logging.Setup(os.Stderr, *f.logLevel, *f.logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

func run(ctx context.Context, f flags) error {
	whoColumns, err := receipt.ParseWhoColumns(*f.whoColumns)
	if err != nil {
		return err
	}
	trusted, err := ratelimit.ParseTrustedProxies(receipt.SplitList(*f.trustedProxies))
	if err != nil {
		return err
	}
	cfg := receipt.Config{
		SpreadsheetID:  *f.spreadsheetID,
		DefaultSheet:   *f.defaultSheet,
		WhoColumns:     whoColumns,
		StartRow:       *f.startRow,
		MaxBatch:       *f.maxBatch,
		ClientID:       *f.oauthClientID,
		AllowedEmails:  receipt.SplitList(*f.allowedEmails),
		AllowedOrigins: receipt.SplitList(*f.allowedOrigins),
		TrustedProxies: trusted,
	}

	slog.Info("Initializing store...", "backend", *f.store)
	store, err := openStore(ctx, f)
	if err != nil {
		return err
	}
	defer store.Close()

	scanner, namespace, err := newScanner(ctx, f)
	if err != nil {
		return err
	}
	cached := scanning.NewCachedScanner(scanner, store, scanning.CacheOptions{
		Namespace: namespace,
		TTL:       *f.cacheTTL,
		MaxAge:    *f.cacheMaxAge,
	})
	defer cached.Close()

	slog.Info("Initializing spreadsheet...", "backend", *f.sheetsBackend)
	ss, err := newSpreadsheet(ctx, f, &cfg)
	if err != nil {
		return err
	}

	writer, err := newWriter(f, ss, store, cfg.SpreadsheetID)
	if err != nil {
		return err
	}

	limits := ratelimit.NewRegistry(store, ratelimit.DefaultLimits())
	auth := receipt.NewGoogleAuthenticator(cfg.ClientID, cfg.AllowedEmails)
	if len(cfg.AllowedEmails) == 0 {
		slog.Warn("No e-mail allow-list configured, any verified Google account is accepted")
	}

	go receipt.RunJanitor(ctx, *f.janitorInterval,
		receipt.NamedCleaner{Name: "ratelimit", Cleaner: limits},
		receipt.NamedCleaner{Name: "scan-cache", Cleaner: cached},
	)

	service := receipt.NewService(cfg, cached, ss, writer)
	server := receipt.NewServer(service, auth, limits)

	slog.Info("Server starting", "address", fmt.Sprintf("http://localhost:%d", *f.port), "version", version)
	return server.Run(ctx, fmt.Sprintf(":%d", *f.port))
}

func openStore(ctx context.Context, f flags) (kvstore.Store, error) {
	switch *f.store {
	case "file":
		return kvstore.NewFileStore(*f.storeDir, *f.lockTimeout)
	case "bolt":
		return kvstore.NewBoltStore(*f.boltPath, *f.lockTimeout)
	case "postgres":
		if *f.databaseURL == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres store")
		}
		return kvstore.NewPostgresStore(ctx, *f.databaseURL, *f.lockTimeout)
	default:
		return nil, fmt.Errorf("invalid store %q: want file, bolt or postgres", *f.store)
	}
}

// newScanner returns the scanner and the cache namespace of its results
func newScanner(ctx context.Context, f flags) (scanning.Scanner, string, error) {
	switch *f.scanner {
	case "documentai":
		cfg := scanning.DocumentAIConfig{
			ProjectID:       *f.gcpProject,
			Location:        *f.gcpLocation,
			ProcessorID:     *f.gcpProcessor,
			CredentialsFile: *f.serviceAccount,
		}
		slog.Info("Initializing Document AI scanner...", "processor", cfg.ProcessorName())
		s, err := scanning.NewDocumentAI(ctx, cfg)
		if err != nil {
			return nil, "", fmt.Errorf("initializing document ai: %w", err)
		}
		return s, cfg.ProcessorName(), nil
	case "gemini":
		apiKey := *f.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, "", fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", *f.geminiModel)
		s, err := scanning.NewGemini(ctx, apiKey, *f.geminiModel)
		if err != nil {
			return nil, "", fmt.Errorf("initializing gemini: %w", err)
		}
		return s, "gemini/" + *f.geminiModel, nil
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *f.ollamaURL, "model", *f.ollamaModel)
		s, err := scanning.NewOllama(*f.ollamaURL, *f.ollamaModel)
		if err != nil {
			return nil, "", fmt.Errorf("initializing ollama: %w", err)
		}
		return s, "ollama/" + *f.ollamaModel, nil
	default:
		return nil, "", fmt.Errorf("invalid scanner %q: want documentai, gemini or ollama", *f.scanner)
	}
}

func newSpreadsheet(ctx context.Context, f flags, cfg *receipt.Config) (sheet.Spreadsheet, error) {
	switch *f.sheetsBackend {
	case "google":
		return sheet.NewGoogleSheets(ctx, sheet.GoogleConfig{
			SpreadsheetID:      cfg.SpreadsheetID,
			ServiceAccountPath: *f.serviceAccount,
		})
	case "memory":
		title := cfg.DefaultSheet
		if title == "" {
			title = "Receipts"
			cfg.DefaultSheet = title
		}
		if cfg.SpreadsheetID == "" {
			cfg.SpreadsheetID = "memory"
		}
		slog.Warn("Using the in-memory spreadsheet, rows are lost on exit", "sheet", title)
		return sheet.NewMemorySpreadsheet(title), nil
	default:
		return nil, fmt.Errorf("invalid sheets backend %q: want google or memory", *f.sheetsBackend)
	}
}

func newWriter(f flags, ss sheet.Spreadsheet, store kvstore.Store, spreadsheetID string) (sheet.RowWriter, error) {
	opts := sheet.DefaultWriterOptions()
	opts.MaxRetries = *f.maxRetries

	switch *f.writePolicy {
	case "optimistic":
		return sheet.NewOptimisticWriter(ss, opts), nil
	case "locking":
		return sheet.NewLockingWriter(ss, store, spreadsheetID, opts), nil
	default:
		return nil, fmt.Errorf("invalid write policy %q: want optimistic or locking", *f.writePolicy)
	}
}
