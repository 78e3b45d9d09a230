package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all adapters. Venue error codes and transport
// failures are mapped onto these so the engine can classify without knowing
// the venue.
var (
	// ErrTransient covers network failures, timeouts and 5xx responses.
	// Safe to retry on the next tick.
	ErrTransient = errors.New("transient exchange error")

	// ErrRateLimited means the venue asked us to back off.
	ErrRateLimited = errors.New("rate limited by exchange")

	// ErrAuth means the credentials are invalid, expired or lack permission.
	ErrAuth = errors.New("exchange rejected credentials")

	// ErrFilterViolation means the order broke a symbol constraint
	// (lot step, tick size, min notional).
	ErrFilterViolation = errors.New("order violates symbol filters")

	// ErrInsufficientBalance means the wallet cannot cover the order.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrderNotFound means the referenced order does not exist on the
	// venue (already filled, already cancelled, or never placed).
	ErrOrderNotFound = errors.New("order not found on exchange")

	// ErrSymbolNotFound means the venue does not trade the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// RateLimitError wraps ErrRateLimited with the venue's suggested backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by exchange, retry after %s", e.RetryAfter)
	}
	return "rate limited by exchange"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsRetryable reports whether the error is expected to clear on its own, so
// the caller should leave state untouched and try again next tick.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
