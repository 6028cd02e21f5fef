/*
Package idempotency makes mutating endpoints effectively-once.

PURPOSE:
  Terminals retry submissions over unreliable links. The middleware scopes
  every retry of a logical request to one execution: the first request
  with a key runs the handler, later ones get the stored response.

STATE MACHINE (per endpoint + key):
  absent → in_progress → completed
                      ↘ failed → in_progress (retry, when allowed)

DECISIONS:
  missing key                → 400
  fingerprint mismatch       → 409
  completed                  → stored status + stored body bytes
  in_progress                → 202 {"status":"processing","idempotency_key":…}
  failed, retries allowed    → conditional reclaim, handler runs again
  failed, retries disabled   → 500
  handler error or panic     → record failed, 500 {"error":"internal_error"}

EXCLUSIVITY:
  Only the unique (endpoint, key) constraint behind Store.Claim and the
  conditional Store.Reclaim decide who runs the handler. No locks.
*/
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultHeader carries the client-supplied key.
const DefaultHeader = "X-Idempotency-Key"

// ReplayHeader is set on responses served from a stored record.
const ReplayHeader = "X-Idempotent-Replay"

var internalErrorBody = []byte(`{"error":"internal_error"}`)

// Response is what a wrapped handler produces. Body is encoded as JSON.
type Response struct {
	StatusCode int
	Body       any
}

// HandlerFunc is a handler whose result is captured by the middleware.
// A returned error is treated as an internal failure.
type HandlerFunc func(r *http.Request) (Response, error)

// Middleware wraps handlers with idempotent execution.
type Middleware struct {
	Store  Store
	Header string

	// AllowRetryOnFailed lets a request re-run after a failed attempt.
	AllowRetryOnFailed bool

	Logger logrus.FieldLogger
}

// New returns a Middleware with the default header and retries allowed.
func New(store Store, logger logrus.FieldLogger) *Middleware {
	return &Middleware{
		Store:              store,
		Header:             DefaultHeader,
		AllowRetryOnFailed: true,
		Logger:             logger,
	}
}

// Wrap returns an http.HandlerFunc running h at most once per key.
func (m *Middleware) Wrap(endpoint string, h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := strings.TrimSpace(r.Header.Get(m.header()))
		if key == "" {
			reject(w, ErrMissingKey)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := Fingerprint(body)

		claimed, err := m.Store.Claim(ctx, endpoint, key, hash)
		if err != nil {
			m.logger().WithError(err).WithField("endpoint", endpoint).Error("idempotency claim failed")
			writeRaw(w, http.StatusInternalServerError, internalErrorBody)
			return
		}
		if !claimed {
			if !m.resolveExisting(w, r, endpoint, key, hash) {
				return
			}
		}

		m.run(w, r, endpoint, key, h)
	}
}

// resolveExisting answers a request whose key is already recorded. It
// reports true when the caller now owns the record and must run the handler.
func (m *Middleware) resolveExisting(w http.ResponseWriter, r *http.Request, endpoint, key, hash string) bool {
	ctx := r.Context()

	rec, err := m.Store.Get(ctx, endpoint, key)
	if err != nil {
		m.logger().WithError(err).WithField("endpoint", endpoint).Error("idempotency lookup failed")
		writeRaw(w, http.StatusInternalServerError, internalErrorBody)
		return false
	}
	if rec.RequestHash != hash {
		reject(w, ErrKeyReuse)
		return false
	}

	switch rec.Status {
	case StatusCompleted:
		w.Header().Set(ReplayHeader, "true")
		writeRaw(w, rec.ResponseCode, rec.ResponseBody)
		return false
	case StatusFailed:
		if !m.AllowRetryOnFailed {
			reject(w, ErrPriorAttemptFailed)
			return false
		}
		won, err := m.Store.Reclaim(ctx, endpoint, key)
		if err != nil {
			m.logger().WithError(err).WithField("endpoint", endpoint).Error("idempotency reclaim failed")
			writeRaw(w, http.StatusInternalServerError, internalErrorBody)
			return false
		}
		if won {
			return true
		}
	}

	writeProcessing(w, key)
	return false
}

func (m *Middleware) run(w http.ResponseWriter, r *http.Request, endpoint, key string, h HandlerFunc) {
	// Persisting the outcome must survive a client disconnect.
	persistCtx := context.WithoutCancel(r.Context())
	log := m.logger().WithFields(logrus.Fields{"endpoint": endpoint, "idempotency_key": key})

	resp, err := invoke(h, r)
	var encoded []byte
	if err == nil {
		encoded, err = json.Marshal(resp.Body)
	}
	if err != nil {
		log.WithError(err).Error("handler failed")
		if ferr := m.Store.Fail(persistCtx, endpoint, key, http.StatusInternalServerError, internalErrorBody); ferr != nil {
			log.WithError(ferr).Error("failed to mark idempotency record failed")
		}
		writeRaw(w, http.StatusInternalServerError, internalErrorBody)
		return
	}

	code := resp.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	if cerr := m.Store.Complete(persistCtx, endpoint, key, code, encoded); cerr != nil {
		// The record stays in progress so retries cannot apply the event twice.
		log.WithError(cerr).Error("failed to store idempotent response")
	}
	writeRaw(w, code, encoded)
}

func invoke(h HandlerFunc, r *http.Request) (resp Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(r)
}

// Fingerprint hashes the canonical form of a request body. JSON bodies
// are decoded and re-encoded so whitespace and key order do not matter.
func Fingerprint(body []byte) string {
	canonical := body
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func (m *Middleware) header() string {
	if m.Header != "" {
		return m.Header
	}
	return DefaultHeader
}

func (m *Middleware) logger() logrus.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.StandardLogger()
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	writeRaw(w, code, body)
}

func writeProcessing(w http.ResponseWriter, key string) {
	body, _ := json.Marshal(map[string]string{"status": "processing", "idempotency_key": key})
	writeRaw(w, http.StatusAccepted, body)
}

func reject(w http.ResponseWriter, err error) {
	writeError(w, StatusCode(err), err)
}
