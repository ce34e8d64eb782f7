package scanning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zombor/receipt-ledger/internal/kvstore"
)

const cachePrefix = "docai/"

// CacheOptions tunes the document cache
type CacheOptions struct {
	// Namespace separates entries of different processors
	Namespace string
	// TTL is the age under which an entry is served (default 1h)
	TTL time.Duration
	// MaxAge is the age past which Cleanup evicts an entry (default 24h)
	MaxAge time.Duration
}

type cacheEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Document *Document `json:"document"`
}

// CachedScanner wraps a Scanner and memoizes its entity trees by content hash
type CachedScanner struct {
	next  Scanner
	store kvstore.Store
	opts  CacheOptions
	now   func() time.Time
	group singleflight.Group
}

// NewCachedScanner wraps next with a cache backed by store
func NewCachedScanner(next Scanner, store kvstore.Store, opts CacheOptions) *CachedScanner {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &CachedScanner{
		next:  next,
		store: store,
		opts:  opts,
		now:   time.Now,
	}
}

func (c *CachedScanner) key(data []byte) string {
	sum := sha256.Sum256(data)
	return cachePrefix + c.opts.Namespace + "/" + hex.EncodeToString(sum[:])
}

// ScanDocument serves a fresh cached tree or calls through. Identical
// concurrent misses share a single upstream call.
func (c *CachedScanner) ScanDocument(ctx context.Context, data []byte, mimeType string) (*Document, error) {
	key := c.key(data)

	if doc, ok := c.lookup(ctx, key); ok {
		slog.Debug("Document cache hit", "key", key)
		return doc, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		doc, err := c.next.ScanDocument(ctx, data, mimeType)
		if err != nil {
			return nil, err
		}
		c.save(ctx, key, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (c *CachedScanner) lookup(ctx context.Context, key string) (*Document, bool) {
	rec, err := c.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		slog.Warn("Reading document cache failed", "key", key, "error", err)
		return nil, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(rec.Value, &entry); err != nil || entry.Document == nil {
		return nil, false
	}
	if c.now().Sub(entry.StoredAt) >= c.opts.TTL {
		return nil, false
	}
	return entry.Document, true
}

func (c *CachedScanner) save(ctx context.Context, key string, doc *Document) {
	data, err := json.Marshal(cacheEntry{StoredAt: c.now(), Document: doc})
	if err != nil {
		slog.Warn("Encoding document cache entry failed", "key", key, "error", err)
		return
	}
	if err := c.store.Put(ctx, key, data); err != nil {
		slog.Warn("Writing document cache failed", "key", key, "error", err)
	}
}

// Cleanup evicts entries older than the configured max age
func (c *CachedScanner) Cleanup(ctx context.Context) (int, error) {
	return c.store.Sweep(ctx, cachePrefix, c.opts.MaxAge)
}

// Ready delegates to the wrapped scanner when it can check readiness
func (c *CachedScanner) Ready(ctx context.Context) error {
	if rc, ok := c.next.(ReadinessChecker); ok {
		return rc.Ready(ctx)
	}
	return nil
}

// Close closes the wrapped scanner
func (c *CachedScanner) Close() error {
	return c.next.Close()
}
