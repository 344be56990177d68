package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/actions"
	"github.com/Mindburn-Labs/helm-pay/pkg/agents"
	"github.com/Mindburn-Labs/helm-pay/pkg/auth"
	"github.com/Mindburn-Labs/helm-pay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-pay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-pay/pkg/mandate"
	"github.com/Mindburn-Labs/helm-pay/pkg/security"
	"github.com/Mindburn-Labs/helm-pay/pkg/settlement"
)

// Deps are the collaborators the HTTP API is built on. Engine, Policy,
// Registry, Mandates, Secrets and Auth are required.
type Deps struct {
	Engine      *consensus.Engine
	Policy      *security.Policy
	Registry    agents.Registry
	Mandates    mandate.Store
	Secrets     crypto.SecretResolver
	Settlement  *settlement.Bridge
	Actions     actions.Log
	Budget      finance.Tracker
	Idempotency idempotency.Store
	Auth        *auth.JWTValidator
	RateLimiter *GlobalRateLimiter
	CORSOrigins []string
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Server serves the payment API.
type Server struct {
	deps   Deps
	clock  func() time.Time
	logger *slog.Logger
}

// NewServer builds a server over deps.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, clock: deps.Clock, logger: deps.Logger}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	return s
}

// authority issues and checks mandates on behalf of agentID.
func (s *Server) authority(agentID string) *mandate.Authority {
	return mandate.NewAuthority(agentID, s.deps.Secrets,
		mandate.WithStore(s.deps.Mandates),
		mandate.WithClock(s.clock),
		mandate.WithLogger(s.logger),
	)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /v1/mandates", s.handleCreateMandate)
	api.HandleFunc("GET /v1/mandates/{id}", s.handleGetMandate)
	api.HandleFunc("POST /v1/mandates/verify", s.handleVerifyMandate)

	api.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	api.HandleFunc("GET /v1/agents", s.handleListAgents)
	api.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)
	api.HandleFunc("DELETE /v1/agents/{id}", s.handleRemoveAgent)
	api.HandleFunc("PUT /v1/agents/{id}/active", s.handleSetActive)
	api.HandleFunc("GET /v1/agents/{id}/actions", s.handleListActions)
	api.HandleFunc("GET /v1/agents/{id}/spending", s.handleGetSpending)
	api.HandleFunc("PUT /v1/agents/{id}/spending", s.handleSetSpendingLimit)

	api.HandleFunc("POST /v1/transactions", s.handleInitiate)
	api.HandleFunc("GET /v1/transactions", s.handleListTransactions)
	api.HandleFunc("GET /v1/transactions/{id}", s.handleGetTransaction)
	api.HandleFunc("POST /v1/transactions/{id}/votes", s.handleVote)
	api.HandleFunc("POST /v1/transactions/{id}/execute", s.handleExecute)
	api.HandleFunc("GET /v1/transactions/{id}/security", s.handleSecurityReport)

	api.HandleFunc("POST /v1/payments", s.handlePayment)
	api.HandleFunc("POST /v1/byzantine/validate", s.handleByzantine)

	var protected http.Handler = api
	if s.deps.Idempotency != nil {
		protected = IdempotencyMiddleware(s.deps.Idempotency, s.logger)(protected)
	}
	protected = RequireAuth(s.deps.Auth)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("/v1/", protected)

	var h http.Handler = root
	if s.deps.RateLimiter != nil {
		h = s.deps.RateLimiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger)(h)
	h = RecoverMiddleware(h)
	h = auth.CORSMiddleware(s.deps.CORSOrigins)(h)
	return auth.RequestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
