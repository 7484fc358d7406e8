// Package ratelimit provides rate limiting implementations for the
// per-credential token bucket.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jermoo/authority-edge/internal/apierr"
)

// ExtractIP extracts the client IP address from an HTTP request.
// RemoteAddr is expected to already carry the real client IP via a
// RealIP-equivalent middleware applied ahead of this in the chain; reading
// forwarded-for headers directly here would let a client spoof its own
// source address.
func ExtractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RespondRateLimited writes the 429 response for a denied check: both
// Retry-After and X-Rate-Limit-Retry-After-Seconds carry the same
// ceil(nanosToNextToken / 1e9) value, plus a problem-document body.
func RespondRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := RetryAfterSeconds(retryAfter)
	e := apierr.RateLimited(seconds)
	doc := apierr.ToProblemDocument(e)

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("X-Rate-Limit-Retry-After-Seconds", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(doc)
}
