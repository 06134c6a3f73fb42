package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// requireToken guards a route group with a shared API token, accepted
// either as the x-api-token header or as a bearer token. An empty
// configured token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("x-api-token")
			if got == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if got != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sendWindow is a fixed-window admission counter shared by all send
// routes: at most max requests per window, counted globally, excess
// rejected rather than queued.
type sendWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

func newSendWindow(max int, window time.Duration) *sendWindow {
	return &sendWindow{max: max, window: window, now: time.Now}
}

func (s *sendWindow) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.stamps[:0]
	for _, t := range s.stamps {
		if now.Sub(t) < s.window {
			kept = append(kept, t)
		}
	}
	s.stamps = kept
	if len(s.stamps) >= s.max {
		return false
	}
	s.stamps = append(s.stamps, now)
	return true
}

func (s *sendWindow) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admit() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type idemEntry struct {
	status      int
	contentType string
	body        []byte
	at          time.Time
}

// idemCache replays the first response produced for a given idempotency
// key for the duration of the TTL. Later responses under the same key
// never overwrite the first.
type idemCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]idemEntry
}

func newIdemCache(ttl time.Duration) *idemCache {
	return &idemCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]idemEntry),
	}
}

func (c *idemCache) get(key string) (idemEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return idemEntry{}, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return idemEntry{}, false
	}
	return e, true
}

func (c *idemCache) put(key string, e idemEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	// Sweep dead entries so keys never used twice do not pile up.
	for k, old := range c.entries {
		if now.Sub(old.at) > c.ttl {
			delete(c.entries, k)
		}
	}
	if old, ok := c.entries[key]; ok && now.Sub(old.at) <= c.ttl {
		return
	}
	e.at = now
	c.entries[key] = e
}

// idemKey pulls the idempotency key from the Idempotency-Key header or
// the clientMessageId body field, restoring the body for the handler.
func idemKey(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var probe struct {
		ClientMessageID string `json:"clientMessageId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.ClientMessageID
}

// recorded buffers a response so it can be both sent and cached.
type recorded struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorded) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorded) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// idempotent wraps a handler so a repeated key within the TTL replays
// the stored response byte for byte without re-running the handler.
func (c *idemCache) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := idemKey(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if e, ok := c.get(key); ok {
			if e.contentType != "" {
				w.Header().Set("Content-Type", e.contentType)
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(e.status)
			w.Write(e.body)
			return
		}
		rec := &recorded{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		c.put(key, idemEntry{
			status:      rec.status,
			contentType: rec.Header().Get("Content-Type"),
			body:        append([]byte(nil), rec.buf.Bytes()...),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// accessLog emits one structured line per request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
