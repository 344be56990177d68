package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/helm-pay/pkg/auth"
	"github.com/Mindburn-Labs/helm-pay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-pay/pkg/idempotency"
)

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// idempotencyScope keys a client's Idempotency-Key by caller and route so two
// agents cannot collide on the same key.
func idempotencyScope(r *http.Request, key string) string {
	agent := "anonymous"
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		agent = p.AgentID
	}
	return "http:" + agent + ":" + r.Method + " " + r.URL.Path + ":" + key
}

// requestFingerprint hashes the request body. JSON bodies are hashed in
// canonical form so key order and whitespace do not matter.
func requestFingerprint(body []byte) string {
	if canonical, err := canonicalize.JCS(json.RawMessage(body)); err == nil {
		return canonicalize.HashBytes(canonical)
	}
	return canonicalize.HashBytes(body)
}

// IdempotencyMiddleware ensures that mutating requests with an Idempotency-Key
// header are processed once. A completed duplicate receives the recorded
// response; a duplicate of a request still in flight gets 409. Reusing a key
// with a different body gets 422. Only 2xx responses are recorded, so failed
// requests may be retried with the same key.
func IdempotencyMiddleware(store idempotency.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeBadRequest(w, r, "Request body too large or unreadable")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(body)

			ctx := r.Context()
			scoped := idempotencyScope(r, key)
			rec, reserved, err := store.Reserve(ctx, scoped, fingerprint)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if !reserved {
				if rec.Fingerprint != fingerprint {
					writeProblem(w, r, problem(http.StatusUnprocessableEntity, "idempotency_key_mismatch",
						"Idempotency-Key "+key+" was already used with a different request body"))
					return
				}
				if rec.State != idempotency.StateCompleted {
					WriteConflict(w, "A request with this Idempotency-Key is still being processed")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(rec.StatusCode)
				_, _ = w.Write(rec.Response)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := store.Complete(ctx, scoped, capture.statusCode, capture.body.Bytes()); err != nil {
					logger.ErrorContext(ctx, "failed to record idempotent response", "key", key, "error", err)
				}
				return
			}
			if err := store.Release(ctx, scoped); err != nil {
				logger.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
			}
		})
	}
}
