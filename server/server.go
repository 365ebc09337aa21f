// Package server mounts the HTTP surface over the negotiation domain:
// agents, sessions, sealed inputs, the negotiation engine, attestation,
// escrow and the trust leaderboard. Every route is wrapped with
// observability middleware and the role ladder; responses use the
// {ok, error:{code,message,details}} envelope.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"moltd/agentclient"
	"moltd/attestation"
	"moltd/automation"
	"moltd/config"
	"moltd/engine"
	"moltd/escrow"
	"moltd/observability"
	"moltd/runtimeattest"
	"moltd/sealing"
	"moltd/store"
)

// Server is the assembled HTTP service.
type Server struct {
	cfg     config.Config
	store   *store.Store
	sealer  *sealing.Service
	signer  *attestation.Signer
	engine  *engine.Engine
	escrow  *escrow.Manager
	loop    *automation.Loop
	metrics *observability.Metrics
	obs     *observability.Middleware
	limiter *observability.RateLimiter
	logger  *slog.Logger
	probes  *http.Client
	router  chi.Router
	started time.Time
}

// Deps carries the collaborators main wires together.
type Deps struct {
	Config  config.Config
	Store   *store.Store
	Sealer  *sealing.Service
	Signer  *attestation.Signer
	Engine  *engine.Engine
	Escrow  *escrow.Manager
	Loop    *automation.Loop
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// New assembles the server and mounts every route.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics("moltd")
	}
	eng := deps.Engine
	if eng == nil {
		client := agentclient.New(agentclient.Options{
			Timeout:      deps.Config.DecisionTimeout(),
			PathOverride: deps.Config.DecisionPathOverride,
			Logger:       logger,
		})
		eng = engine.New(client, runtimeattest.New(), logger)
	}
	esc := deps.Escrow
	if esc == nil {
		esc = escrow.New(deps.Store, logger)
	}
	s := &Server{
		cfg:     deps.Config,
		store:   deps.Store,
		sealer:  deps.Sealer,
		signer:  deps.Signer,
		engine:  eng,
		escrow:  esc,
		loop:    deps.Loop,
		metrics: metrics,
		obs:     observability.NewMiddleware("moltd", metrics, logger),
		limiter: observability.NewRateLimiter(rateLimits(deps.Config), metrics),
		logger:  logger,
		probes:  &http.Client{Timeout: deps.Config.ProbeTimeout()},
		started: time.Now().UTC(),
	}
	s.router = s.routes()
	return s
}

// rateLimits builds the per-route throttle table. Only the expensive
// routes are limited; reads stay unthrottled.
func rateLimits(cfg config.Config) map[string]observability.RateLimit {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	limit := observability.RateLimit{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
	}
	return map[string]observability.RateLimit{
		"POST /api/agents/register":     limit,
		"POST /sessions":                limit,
		"POST /sessions/{id}/negotiate": limit,
		"POST /negotiate":               limit,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	get := func(pattern string, min Role, handler http.HandlerFunc) {
		route := "GET " + pattern
		r.With(s.obs.Wrap(route), s.limiter.Middleware(route), s.requireRole(min)).
			Get(pattern, handler)
	}
	post := func(pattern string, min Role, handler http.HandlerFunc) {
		route := "POST " + pattern
		r.With(s.obs.Wrap(route), s.limiter.Middleware(route), s.requireRole(min)).
			Post(pattern, handler)
	}

	get("/health", RolePublic, s.handleHealth)
	get("/metrics", RolePublic, s.handleMetricsWindow)
	get("/metrics/prometheus", RolePublic, s.metrics.PrometheusHandler().ServeHTTP)
	get("/auth/status", RolePublic, s.handleAuthStatus)
	get("/policy/strict", RoleReadonly, s.handlePolicyStrict)
	get("/verification/eigencompute", RoleReadonly, s.handleVerificationOverview)
	get("/verification/eigencompute/sessions/{id}", RoleReadonly, s.handleVerificationSession)

	get("/agents", RoleReadonly, s.handleListAgents)
	post("/api/agents/register", RolePublic, s.handleRegisterAgent)
	post("/api/agents/{id}/probe", RoleAgent, s.handleProbeAgent)

	get("/sessions", RoleReadonly, s.handleListSessions)
	post("/sessions", RoleAgent, s.handleCreateSession)
	get("/sessions/{id}", RoleReadonly, s.handleGetSession)
	post("/sessions/{id}/accept", RoleAgent, s.handleAcceptSession)
	post("/sessions/{id}/prepare", RoleAgent, s.handlePrepareSession)
	post("/sessions/{id}/start", RoleAgent, s.handleStartSession)
	post("/sessions/{id}/adjudicate", RoleOperator, s.handleAdjudicateSession)
	post("/sessions/{id}/private-inputs", RoleAgent, s.handlePrivateInputs)
	post("/sessions/{id}/negotiate", RoleAgent, s.handleNegotiatePath)
	post("/negotiate", RoleAgent, s.handleNegotiateBody)
	get("/sessions/{id}/transcript", RoleReadonly, s.handleTranscript)
	get("/sessions/{id}/attestation", RoleReadonly, s.handleGetAttestation)
	post("/sessions/{id}/attestation", RoleAgent, s.handleRegenerateAttestation)

	post("/sessions/{id}/escrow/prepare", RoleAgent, s.handleEscrowPrepare)
	get("/sessions/{id}/escrow/status", RoleReadonly, s.handleEscrowStatus)
	post("/sessions/{id}/escrow/deposit", RoleAgent, s.handleEscrowDeposit)
	post("/sessions/{id}/escrow/settle", RoleAgent, s.handleEscrowSettle)

	get("/leaderboard/trusted", RoleReadonly, s.handleLeaderboard)
	get("/automation/status", RoleReadonly, s.handleAutomationStatus)
	post("/automation/tick", RoleOperator, s.handleAutomationTick)

	return r
}
