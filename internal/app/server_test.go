package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func clearRacewayEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"RACEWAY_LISTEN_ADDR", "RACEWAY_LOG_LEVEL", "RACEWAY_DB_DSN",
		"RACEWAY_CANDIDATE_MODELS", "RACEWAY_JUDGE_MODEL", "RACEWAY_STRATEGY",
		"RACEWAY_BANDIT_ALPHA", "RACEWAY_BANDIT_RIDGE", "RACEWAY_REWARD_WQ",
		"RACEWAY_REWARD_WL", "RACEWAY_REWARD_WC", "RACEWAY_LENGTH_THRESHOLD",
		"RACEWAY_MIN_PREVIEW_TOKENS", "RACEWAY_PROVIDER_TIMEOUT_SECS",
		"RACEWAY_PREVIEW_TIMEOUT", "RACEWAY_FULL_TIMEOUT", "RACEWAY_JUDGE_TIMEOUT",
		"RACEWAY_RACE_TIMEOUT", "RACEWAY_ADAPTIVE_MIN_SCALE", "RACEWAY_ADAPTIVE_MAX_SCALE",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearRacewayEnv(t)

	cfg, err := LoadConfig()
	if err == nil {
		t.Fatal("expected error: no candidate models or judge model configured")
	}
	_ = cfg

	if cfg.ListenAddr != "" {
		t.Errorf("zero-value Config.ListenAddr should be empty on validation failure, got %q", cfg.ListenAddr)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearRacewayEnv(t)
	t.Setenv("RACEWAY_LISTEN_ADDR", ":9090")
	t.Setenv("RACEWAY_LOG_LEVEL", "debug")
	t.Setenv("RACEWAY_CANDIDATE_MODELS", "vllm:llama-3-70b, anthropic:claude-3-5-sonnet")
	t.Setenv("RACEWAY_JUDGE_MODEL", "anthropic:claude-3-5-sonnet")
	t.Setenv("RACEWAY_STRATEGY", "baseline")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if len(cfg.CandidateModels) != 2 {
		t.Fatalf("CandidateModels = %v, want 2 entries", cfg.CandidateModels)
	}
	if cfg.CandidateModels[0] != "vllm:llama-3-70b" {
		t.Errorf("CandidateModels[0] = %q, want %q", cfg.CandidateModels[0], "vllm:llama-3-70b")
	}
	if cfg.Strategy != "baseline" {
		t.Errorf("Strategy = %q, want %q", cfg.Strategy, "baseline")
	}
}

func TestLoadConfigInvalidStrategyRejected(t *testing.T) {
	clearRacewayEnv(t)
	t.Setenv("RACEWAY_CANDIDATE_MODELS", "vllm:llama-3-70b")
	t.Setenv("RACEWAY_JUDGE_MODEL", "vllm:llama-3-70b")
	t.Setenv("RACEWAY_STRATEGY", "roulette")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for invalid RACEWAY_STRATEGY")
	}
}

func TestConfigValidate_RewardWeightsOverOne(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.RewardWQ, cfg.RewardWL, cfg.RewardWC = 0.8, 0.5, 0.0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when reward weights sum above 1")
	}
}

func TestConfigValidate_NoCandidateModels(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.CandidateModels = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty CandidateModels")
	}
}

// newTestConfig returns a minimal valid Config pointed at a local vLLM-style
// test endpoint, so NewServer can build provider clients without real
// credentials or network access.
func newTestConfig(t *testing.T, endpoints []string) Config {
	t.Helper()
	if len(endpoints) == 0 {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		endpoints = []string{srv.URL}
	}
	return Config{
		ListenAddr:                ":0",
		LogLevel:                  "error",
		DBDSN:                     ":memory:",
		CandidateModels:           []string{"vllm:test-model"},
		JudgeModel:                "vllm:test-model",
		Strategy:                  "bandit",
		BanditAlpha:               1.5,
		BanditRidge:               1e-2,
		BanditStatePath:           t.TempDir() + "/router-state.json",
		StateRemoteKey:            "raceway:router-state",
		LatencyBiasScale:          0.05,
		DecayFactor:               1.0,
		PruneMinTrials:            20,
		PruneMinWinRate:           0.05,
		LengthThreshold:           2000,
		RewardWQ:                  0.8,
		RewardWL:                  0.2,
		RewardWC:                  0.0,
		FallbackPenalty:           0.1,
		MinPreviewTokens:          120,
		AdaptiveMinScale:          0.75,
		AdaptiveMaxScale:          1.5,
		SpeculativeMinQueryLength: 2000,
		PreviewCacheTTLSecs:       600,
		PreviewRetryLimit:         2,
		JudgeRetryLimit:           3,
		PreviewTimeoutSecs:        10,
		FullTimeoutSecs:           60,
		JudgeTimeoutSecs:          20,
		RaceTimeoutSecs:           90,
		VLLMEndpoints:             endpoints,
		ProviderTimeoutSecs:       30,
		MetricsEnabled:            false,
	}
}

func TestNewServer(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv == nil {
		t.Fatal("expected non-nil server")
	}
}

func TestNewServerHasRouter(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestNewServerBaselineStrategyHasNoBandit(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.Strategy = "baseline"
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.bandit != nil {
		t.Error("expected nil bandit under baseline strategy")
	}
}

func TestNewServerMissingProviderCredentials(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.CandidateModels = []string{"anthropic:claude-3-5-sonnet"}
	cfg.JudgeModel = "anthropic:claude-3-5-sonnet"
	cfg.AnthropicAPIKey = ""

	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected error when anthropic candidate lacks an API key")
	}
}

func TestNewServerUnknownProviderPrefix(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.CandidateModels = []string{"cohere:command-r"}
	cfg.JudgeModel = "cohere:command-r"

	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected error for unrecognized provider prefix")
	}
}

func TestNewServerMissingProviderPrefix(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.CandidateModels = []string{"llama-3-70b"}
	cfg.JudgeModel = "llama-3-70b"

	if _, err := NewServer(cfg); err == nil {
		t.Fatal("expected error when a model id has no provider prefix")
	}
}

func TestServerClose(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestHandleHealthz(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("GET /healthz status = %d, want 200", w.Code)
	}
}

func TestHandleStateShowBaseline(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.Strategy = "baseline"
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest("GET", "/v1/state", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("GET /v1/state status = %d, want 200", w.Code)
	}
}

func TestHandleStateDecayRejectsBaseline(t *testing.T) {
	cfg := newTestConfig(t, nil)
	cfg.Strategy = "baseline"
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest("POST", "/v1/state/decay", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("POST /v1/state/decay under baseline strategy status = %d, want 400", w.Code)
	}
}

func TestHandleListRunsEmpty(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest("GET", "/v1/runs", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("GET /v1/runs status = %d, want 200", w.Code)
	}
	if w.Body.String() == "" {
		t.Fatal("expected a JSON body (even if an empty array)")
	}
}

func TestHandleRaceRejectsMissingBody(t *testing.T) {
	cfg := newTestConfig(t, nil)
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	req := httptest.NewRequest("POST", "/v1/race", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("POST /v1/race with no body status = %d, want 400", w.Code)
	}
}
