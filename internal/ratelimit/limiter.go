package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-ledger/internal/kvstore"
)

const keyPrefix = "ratelimit/"

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Result is the outcome of one check
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long a denied caller should wait
	RetryAfter time.Duration
}

// window is the persisted counter of one identifier
type window struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"reset"`
}

// Limiter is a fixed-window counter per identifier. State lives in a shared
// store so every process behind the same store enforces the same budget.
type Limiter struct {
	store       kvstore.Store
	maxRequests int
	window      time.Duration
	clock       TimeSource
}

// NewLimiter creates a limiter allowing maxRequests per window
func NewLimiter(store kvstore.Store, maxRequests int, window time.Duration) *Limiter {
	return NewLimiterWithClock(store, maxRequests, window, systemClock{})
}

// NewLimiterWithClock creates a limiter with a custom time source for testing
func NewLimiterWithClock(store kvstore.Store, maxRequests int, window time.Duration, clock TimeSource) *Limiter {
	return &Limiter{
		store:       store,
		maxRequests: maxRequests,
		window:      window,
		clock:       clock,
	}
}

func recordKey(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Check counts one request for identifier. When the store cannot be locked or
// read, the request is allowed and the failure logged.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	key := recordKey(identifier)
	now := l.clock.Now()

	var res Result
	err := l.store.WithLock(ctx, key, func(ctx context.Context) error {
		w, err := l.load(ctx, key, now)
		if err != nil {
			return err
		}

		allowed := w.Count < l.maxRequests
		if allowed {
			w.Count++
			if err := l.save(ctx, key, w); err != nil {
				return err
			}
		}
		res = l.result(allowed, w, now)
		return nil
	})
	if err != nil {
		slog.Error("Rate limiter unavailable, allowing request", "key", key, "error", err)
		return Result{
			Allowed:   true,
			Limit:     l.maxRequests,
			Remaining: max(0, l.maxRequests-1),
			ResetAt:   now.Add(l.window),
		}
	}
	return res
}

// load returns the current window, starting a fresh one when the record is
// missing, unreadable or expired
func (l *Limiter) load(ctx context.Context, key string, now time.Time) (window, error) {
	fresh := window{Count: 0, ResetAt: now.Add(l.window).Unix()}

	rec, err := l.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return fresh, nil
	}
	if err != nil {
		return window{}, fmt.Errorf("reading window: %w", err)
	}

	var w window
	if err := json.Unmarshal(rec.Value, &w); err != nil {
		return fresh, nil
	}
	if now.Unix() >= w.ResetAt {
		return fresh, nil
	}
	return w, nil
}

func (l *Limiter) save(ctx context.Context, key string, w window) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding window: %w", err)
	}
	if err := l.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("writing window: %w", err)
	}
	return nil
}

func (l *Limiter) result(allowed bool, w window, now time.Time) Result {
	resetAt := time.Unix(w.ResetAt, 0)
	res := Result{
		Allowed:   allowed,
		Limit:     l.maxRequests,
		Remaining: max(0, l.maxRequests-w.Count),
		ResetAt:   resetAt,
	}
	if !allowed {
		res.RetryAfter = max(0, resetAt.Sub(now))
	}
	return res
}

// Cleanup removes windows untouched for two window lengths
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, keyPrefix, 2*l.window)
}
