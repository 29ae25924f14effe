package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"

	"github.com/modelrace/raceway/internal/circuitbreaker"
	"github.com/modelrace/raceway/internal/health"
	"github.com/modelrace/raceway/internal/judge"
	"github.com/modelrace/raceway/internal/logging"
	"github.com/modelrace/raceway/internal/metrics"
	"github.com/modelrace/raceway/internal/providers/anthropic"
	"github.com/modelrace/raceway/internal/providers/openai"
	"github.com/modelrace/raceway/internal/providers/vllm"
	"github.com/modelrace/raceway/internal/race"
	"github.com/modelrace/raceway/internal/router"
	"github.com/modelrace/raceway/internal/store"
)

// Server wires every collaborator the race orchestrator needs and exposes
// them behind a small HTTP surface: POST /v1/race, GET /healthz, GET
// /metrics, plus the /v1/runs and /v1/state admin endpoints.
type Server struct {
	cfg Config

	r *chi.Mux

	orchestrator *race.Orchestrator
	store        store.Store
	logger       *slog.Logger
	metrics      *metrics.Registry    // nil when disabled
	prober       *health.Prober       // nil when no probeable adapters
	redis        *redis.Client        // nil when RACEWAY_REDIS_URL is unset
	bandit       *router.LinUCBRouter // nil when strategy is "baseline"
	stateStore   router.RouterStateStore
}

// NewServer builds a Server from cfg: logging, metrics, storage, health
// tracking, provider clients, the router strategy, and finally the race
// orchestrator itself.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	var reg *metrics.Registry
	if cfg.MetricsEnabled {
		reg = metrics.New()
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store migrate: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse RACEWAY_REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	}

	clients, probeable, err := buildClients(cfg)
	if err != nil {
		return nil, err
	}

	breakers := make(map[router.ModelId]*circuitbreaker.Breaker, len(cfg.CandidateModels))
	for _, model := range cfg.CandidateModels {
		breakers[model] = circuitbreaker.New(
			circuitbreaker.WithThreshold(3),
			circuitbreaker.WithCooldown(30*time.Second),
			circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				logger.Info("circuit breaker state change",
					slog.String("from", from.String()), slog.String("to", to.String()))
			}),
		)
	}
	raceBreakers := make(map[router.ModelId]race.Breaker, len(breakers))
	healthBreakers := make(map[string]health.Breaker, len(breakers))
	for model, b := range breakers {
		raceBreakers[model] = b
		healthBreakers[model] = b
	}

	tracker := health.NewTracker(health.DefaultConfig())
	gate := health.NewGate(tracker, healthBreakers)

	var prober *health.Prober
	if len(probeable) > 0 {
		prober = health.NewProber(health.DefaultProberConfig(), tracker, probeable, logger)
		prober.Start()
	}

	judgeClient, ok := clients[cfg.JudgeModel]
	if !ok {
		return nil, fmt.Errorf("RACEWAY_JUDGE_MODEL %q lacks a configured provider client", cfg.JudgeModel)
	}
	j := judge.New(judgeClient, judge.Config{
		RetryLimit: cfg.JudgeRetryLimit,
		Timeout:    time.Duration(cfg.JudgeTimeoutSecs) * time.Second,
	})

	features := router.NewFeatureExtractor(router.DefaultFeatureExtractorConfig(), nil)
	latency := router.NewLatencyMetrics(512)

	localCache := router.NewMemoryPreviewCache()
	var cache router.PreviewCache = localCache
	localState := router.NewFileStateStore(cfg.BanditStatePath)
	var stateStore router.RouterStateStore = localState
	if rdb != nil {
		cache = &router.LayeredPreviewCache{Local: localCache, Remote: router.NewRedisPreviewCache(rdb, "raceway:preview:")}
		stateStore = &router.MultiStateStore{Local: localState, Remote: router.NewRedisStateStore(rdb, cfg.StateRemoteKey)}
	}

	reward := router.DefaultQualityLatencyCostPolicy(float64(cfg.LengthThreshold))
	reward.Weights = router.RewardWeights{WQ: cfg.RewardWQ, WL: cfg.RewardWL, WC: cfg.RewardWC}
	reward.FallbackPenalty = cfg.FallbackPenalty

	var rt router.Router
	var bandit *router.LinUCBRouter
	switch cfg.Strategy {
	case "baseline":
		rt = router.NewBaselineRouter()
	default:
		lr := router.NewLinUCBRouter(router.LinUCBConfig{
			Alpha:            cfg.BanditAlpha,
			Ridge:            cfg.BanditRidge,
			LatencyBiasScale: cfg.LatencyBiasScale,
			ReferenceLatency: 5.0,
		}, features.Dim(), latency, logger)
		if err := lr.Load(stateStore); err != nil {
			logger.Warn("router state load failed, starting cold", slog.String("error", err.Error()))
		}
		rt = lr
		bandit = lr
	}

	raceCfg := race.DefaultConfig()
	raceCfg.MinPreviewTokens = cfg.MinPreviewTokens
	raceCfg.AdaptiveMinScale = cfg.AdaptiveMinScale
	raceCfg.AdaptiveMaxScale = cfg.AdaptiveMaxScale
	raceCfg.LengthThreshold = float64(cfg.LengthThreshold)
	raceCfg.SpeculativeMinQueryLength = cfg.SpeculativeMinQueryLength
	raceCfg.PreviewRetryLimit = cfg.PreviewRetryLimit
	raceCfg.PreviewCacheTTL = time.Duration(cfg.PreviewCacheTTLSecs) * time.Second
	raceCfg.MaxTotalFullTokens = cfg.MaxTotalFullTokens
	raceCfg.MaxTotalCostUSD = cfg.MaxTotalCostUSD
	raceCfg.PricePerToken = reward.PricePerToken
	raceCfg.PreviewTimeout = time.Duration(cfg.PreviewTimeoutSecs) * time.Second
	raceCfg.FullTimeout = time.Duration(cfg.FullTimeoutSecs) * time.Second
	raceCfg.JudgeTimeout = time.Duration(cfg.JudgeTimeoutSecs) * time.Second
	raceCfg.RaceTimeout = time.Duration(cfg.RaceTimeoutSecs) * time.Second

	deps := race.Deps{
		Router:   rt,
		Features: features,
		Reward:   reward,
		Latency:  latency,
		Cache:    cache,
		Store:    stateStore,
		Judge:    j,
		Clients:  clients,
		Gate:     gate,
		Health:   tracker,
		Breakers: raceBreakers,
		Logger:   logger,
	}
	if reg != nil {
		deps.Metrics = reg
	}
	orchestrator := race.New(raceCfg, deps)

	s := &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        db,
		logger:       logger,
		metrics:      reg,
		prober:       prober,
		redis:        rdb,
		bandit:       bandit,
		stateStore:   stateStore,
	}
	s.r = s.buildRouter()
	return s, nil
}

// buildClients constructs one router.ModelClient per entry in
// cfg.CandidateModels (plus cfg.JudgeModel if not already a candidate),
// dispatching on a "<provider>:<model>" id convention.
func buildClients(cfg Config) (map[router.ModelId]router.ModelClient, []health.Probeable, error) {
	ids := append([]string(nil), cfg.CandidateModels...)
	if cfg.JudgeModel != "" {
		ids = append(ids, cfg.JudgeModel)
	}

	clients := make(map[router.ModelId]router.ModelClient, len(ids))
	var probeable []health.Probeable
	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second

	for _, id := range ids {
		if _, ok := clients[id]; ok {
			continue
		}
		provider, _, found := strings.Cut(id, ":")
		if !found {
			return nil, nil, fmt.Errorf("model id %q must be prefixed with a provider, e.g. \"anthropic:%s\"", id, id)
		}
		switch provider {
		case "anthropic":
			if cfg.AnthropicAPIKey == "" {
				return nil, nil, fmt.Errorf("model %q requires RACEWAY_ANTHROPIC_API_KEY", id)
			}
			a := anthropic.New(id, cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, anthropic.WithTimeout(timeout),
				anthropic.WithRateLimit(cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst))
			clients[id] = a
			probeable = append(probeable, a)
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, nil, fmt.Errorf("model %q requires RACEWAY_OPENAI_API_KEY", id)
			}
			o := openai.New(id, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, openai.WithTimeout(timeout),
				openai.WithRateLimit(cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst))
			clients[id] = o
			probeable = append(probeable, o)
		case "vllm":
			if len(cfg.VLLMEndpoints) == 0 {
				return nil, nil, fmt.Errorf("model %q requires at least one RACEWAY_VLLM_ENDPOINTS entry", id)
			}
			v := vllm.New(id, cfg.VLLMEndpoints[0], vllm.WithTimeout(timeout), vllm.WithEndpoints(cfg.VLLMEndpoints[1:]...),
				vllm.WithRateLimit(cfg.ProviderRateLimitRPS, cfg.ProviderRateLimitBurst))
			clients[id] = v
			probeable = append(probeable, v)
		default:
			return nil, nil, fmt.Errorf("model %q: unknown provider %q", id, provider)
		}
	}
	return clients, probeable, nil
}

// Router returns the HTTP handler serving the race API.
func (s *Server) Router() http.Handler { return s.r }

// Run executes a single race against the configured candidate models and
// blocks until it resolves, persisting the resulting summary. It is the
// entrypoint used by racewayd's one-shot CLI mode.
func (s *Server) Run(ctx context.Context, q router.Query) (store.RunSummary, error) {
	out, future := s.orchestrator.Run(ctx, q, s.cfg.CandidateModels)
	for range out {
		// one-shot mode does not stream tokens incrementally to the caller
	}
	res, err := future.Wait(ctx)
	if err != nil {
		return store.RunSummary{}, err
	}
	if saveErr := s.store.SaveRunSummary(ctx, res.Summary); saveErr != nil {
		s.logger.Warn("save run summary failed", slog.String("error", saveErr.Error()))
	}
	return res.Summary, res.Err
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Post("/v1/race", s.handleRace)
	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/state", s.handleStateShow)
	r.Post("/v1/state/decay", s.handleStateDecay)
	r.Post("/v1/state/prune", s.handleStatePrune)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type raceRequest struct {
	Query  string   `json:"query"`
	UserID string   `json:"user_id,omitempty"`
	Intent string   `json:"intent,omitempty"`
	Risk   string   `json:"risk,omitempty"`
	Models []string `json:"models,omitempty"`
}

// handleRace streams the winning model's full answer back to the caller as
// newline-delimited JSON tokens, followed by a terminal summary line.
func (s *Server) handleRace(w http.ResponseWriter, r *http.Request) {
	var req raceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "query must not be empty", http.StatusBadRequest)
		return
	}

	candidates := req.Models
	if len(candidates) == 0 {
		candidates = s.cfg.CandidateModels
	}

	q := router.Query{Text: req.Query, UserID: req.UserID, Intent: req.Intent, Risk: req.Risk}
	out, future := s.orchestrator.Run(r.Context(), q, candidates)

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for tok := range out {
		_ = enc.Encode(map[string]string{"token": tok})
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := future.Wait(r.Context())
	if err != nil {
		_ = enc.Encode(map[string]string{"error": err.Error()})
		return
	}
	if saveErr := s.store.SaveRunSummary(r.Context(), res.Summary); saveErr != nil {
		s.logger.Warn("save run summary failed", slog.String("error", saveErr.Error()))
	}
	_ = enc.Encode(map[string]any{"done": true, "outcome": res.Summary.Outcome, "winner": res.Summary.WinnerModel})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRunSummaries(r.Context(), 50, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

// armSummary is the wire shape state show returns per arm: the full
// matrices are operator-internal detail, not useful over the wire.
type armSummary struct {
	Model   string  `json:"model"`
	Trials  int     `json:"trials"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
}

func (s *Server) handleStateShow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.bandit == nil {
		_ = json.NewEncoder(w).Encode(map[string]string{"strategy": "baseline"})
		return
	}
	state := s.bandit.Snapshot()
	arms := make([]armSummary, 0, len(state.Arms))
	for model, a := range state.Arms {
		winRate := 0.0
		if a.Trials > 0 {
			winRate = float64(a.Wins) / float64(a.Trials)
		}
		arms = append(arms, armSummary{Model: model, Trials: a.Trials, Wins: a.Wins, WinRate: winRate})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"strategy": "bandit", "dim": state.Dim, "arms": arms})
}

func (s *Server) handleStateDecay(w http.ResponseWriter, r *http.Request) {
	if s.bandit == nil {
		http.Error(w, "state decay requires RACEWAY_STRATEGY=bandit", http.StatusBadRequest)
		return
	}
	var req struct {
		Factor float64 `json:"factor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	s.bandit.Decay(req.Factor)
	if err := s.bandit.Save(s.stateStore); err != nil {
		http.Error(w, fmt.Sprintf("save decayed state: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatePrune(w http.ResponseWriter, r *http.Request) {
	if s.bandit == nil {
		http.Error(w, "state prune requires RACEWAY_STRATEGY=bandit", http.StatusBadRequest)
		return
	}
	var req struct {
		MinTrials  int     `json:"min_trials"`
		MinWinRate float64 `json:"min_win_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	pruned := s.bandit.Prune(req.MinTrials, req.MinWinRate)
	if err := s.bandit.Save(s.stateStore); err != nil {
		http.Error(w, fmt.Sprintf("save pruned state: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pruned": pruned})
}

// Close releases every background resource: the prober loop, the store's
// underlying database connection, and the Redis client (if any).
func (s *Server) Close() error {
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	return s.store.Close()
}
