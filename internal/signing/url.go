// Package signing owns the lifecycle of time-limited signed media URLs:
// issuing, caching, expiry tracking and in-place refresh.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SignedURL is a time-bounded, authenticated pointer to a media object.
// Instances are owned by the Manager; other components only ever hold a
// borrowed copy.
type SignedURL struct {
	Path      string
	URL       string
	IssuedAt  time.Time
	ExpiresAt time.Time // Zero means the URL never expires

	refreshThreshold time.Duration
}

// Expired reports whether the URL is past its validity window.
func (u SignedURL) Expired(now time.Time) bool {
	if u.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(u.ExpiresAt)
}

// Remaining returns the lifetime left at now. Unlimited URLs report a
// negative sentinel of -1 rather than a huge duration.
func (u SignedURL) Remaining(now time.Time) time.Duration {
	if u.ExpiresAt.IsZero() {
		return -1
	}
	return u.ExpiresAt.Sub(now)
}

// NeedsRefresh reports whether the remaining lifetime fell below the
// refresh threshold. Unlimited URLs never need a refresh.
func (u SignedURL) NeedsRefresh(now time.Time) bool {
	if u.ExpiresAt.IsZero() {
		return false
	}
	return u.ExpiresAt.Sub(now) < u.refreshThreshold
}

// Valid reports whether the URL can still be handed to the engine.
func (u SignedURL) Valid(now time.Time) bool {
	return u.URL != "" && !u.Expired(now)
}

// signature computes the keyed hash over (secret, timestamp, path) plus
// the optional device fingerprint, matching what the signing endpoint
// verifies.
func signature(secret string, ts int64, path, fingerprint string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d|%s", ts, path)
	if fingerprint != "" {
		fmt.Fprintf(mac, "|%s", fingerprint)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
