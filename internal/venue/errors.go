package venue

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Callers classify with errors.Is; adapters wrap the venue's
// raw response into one of these so no failure surfaces untyped.
var (
	// ErrAuth: credential rejection or IP-allowlist failure. Fatal at
	// startup; during runtime it disables the affected symbol.
	ErrAuth = errors.New("venue: authentication failed")

	// ErrTransient: 5xx, network timeout, rate limit. Retried with
	// backoff inside the adapter; surfaced once the budget is exhausted.
	ErrTransient = errors.New("venue: transient error")

	// ErrPermanent: bad request the venue will never accept.
	ErrPermanent = errors.New("venue: permanent error")

	// ErrBelowMinimum: order under the venue's minimum notional or lot.
	ErrBelowMinimum = fmt.Errorf("%w: order below venue minimum", ErrPermanent)

	// ErrInsufficientBalance: not enough free balance for the order or
	// withdrawal.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrPermanent)

	// ErrBadSymbol: the venue does not list the market.
	ErrBadSymbol = fmt.Errorf("%w: unknown symbol", ErrPermanent)

	// ErrPartialFill: a market order executed under 99.5% of the
	// requested quantity. Surfaced as a distinct step-level failure.
	ErrPartialFill = errors.New("venue: partial fill")
)

// classifyStatus maps an HTTP status to an error kind. nil means success.
func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, code, body)
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, code, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrPermanent, code, body)
	}
}
