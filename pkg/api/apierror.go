// Package api exposes the payment service over HTTP. Every error response is
// an RFC 7807 problem document carrying a machine-readable code.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const problemTypeBase = "https://helm-pay.dev/errors/"

// ProblemDetail is an RFC 7807 problem document. Code names the error kind,
// e.g. "duplicate_vote"; TraceID echoes the request's X-Request-ID.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Extensions are extra top-level members. They never replace the
	// standard ones.
	Extensions map[string]any `json:"-"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

func (p *ProblemDetail) MarshalJSON() ([]byte, error) {
	type plain ProblemDetail
	base, err := json.Marshal((*plain)(p))
	if err != nil || len(p.Extensions) == 0 {
		return base, err
	}
	merged := make(map[string]any, len(p.Extensions)+8)
	for k, v := range p.Extensions {
		merged[k] = v
	}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

// problem builds a problem for status. An empty code is derived from the
// status text, so 404 becomes "not_found".
func problem(status int, code, detail string) *ProblemDetail {
	if code == "" {
		code = strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	}
	return &ProblemDetail{
		Type:   problemTypeBase + code,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	}
}

// writeProblem sends p. When r is known the instance and trace id are filled in.
func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, problem(http.StatusBadRequest, "invalid_request", detail))
}

// WriteUnauthorized answers 401 with a bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="helm-pay"`)
	writeProblem(w, nil, problem(http.StatusUnauthorized, "", detail))
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	writeProblem(w, nil, problem(http.StatusForbidden, "", detail))
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	writeProblem(w, nil, problem(http.StatusNotFound, "", detail))
}

func WriteConflict(w http.ResponseWriter, detail string) {
	writeProblem(w, nil, problem(http.StatusConflict, "", detail))
}

// WriteTooManyRequests answers 429 and tells the client when to come back.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	writeProblem(w, nil, problem(http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded"))
}

// WriteInternal logs err and answers 500. err never reaches the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeProblem(w, nil, problem(http.StatusInternalServerError, "internal", "An unexpected error occurred"))
}
