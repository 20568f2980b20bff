package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	headerTimestamp = "X-Groupsync-Timestamp"
	headerSignature = "X-Groupsync-Signature"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// SignInternal returns the timestamp and signature headers for an internal
// request. The signature covers the timestamp, method, path and body.
func SignInternal(secret, method, path string, body []byte, now time.Time) (timestamp, signature string) {
	timestamp = now.UTC().Format(time.RFC3339)
	return timestamp, internalMAC(secret, timestamp, method, path, body)
}

func internalMAC(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(strings.ToUpper(method) + " " + path))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyInternalHMAC(secret, timestamp, signature, method, path string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal request outside replay window"}
	}
	expectedHex := internalMAC(secret, timestamp, method, path, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}

// replayGuard remembers accepted signatures until they fall out of the skew
// window.
type replayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newReplayGuard(window time.Duration) *replayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &replayGuard{window: window, seen: map[string]time.Time{}}
}

func (g *replayGuard) mark(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for replayKey, expiresAt := range g.seen {
		if !now.Before(expiresAt) {
			delete(g.seen, replayKey)
		}
	}
	if expiresAt, exists := g.seen[key]; exists && now.Before(expiresAt) {
		return false
	}
	g.seen[key] = now.Add(g.window)
	return true
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{window: window, max: max, entries: map[string]rateEntry{}}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
