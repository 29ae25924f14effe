package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable of the race orchestrator, sourced entirely
// from the environment. See spec.md section 6 for the option table this
// mirrors.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	CandidateModels []string
	JudgeModel      string
	Strategy        string // "baseline" or "bandit"

	BanditAlpha            float64
	BanditRidge            float64
	BanditStatePath        string
	StateRemoteKey         string
	LatencyBiasScale       float64
	DecayFactor            float64
	PruneMinTrials         int
	PruneMinWinRate        float64

	LengthThreshold int
	RewardWQ        float64
	RewardWL        float64
	RewardWC        float64
	FallbackPenalty float64

	MinPreviewTokens          int
	AdaptiveMinScale          float64
	AdaptiveMaxScale          float64
	SpeculativeMinQueryLength int
	PreviewCacheTTLSecs       int
	PreviewRetryLimit         int
	JudgeRetryLimit           int

	MaxTotalFullTokens int
	MaxTotalCostUSD    float64

	PreviewTimeoutSecs int
	FullTimeoutSecs    int
	JudgeTimeoutSecs   int
	RaceTimeoutSecs    int

	RedisURL string

	AnthropicAPIKey string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	VLLMEndpoints    []string

	ProviderTimeoutSecs   int
	ProviderRateLimitRPS  float64
	ProviderRateLimitBurst int

	MetricsEnabled bool
}

// LoadConfig reads the process environment into a Config and validates it.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("RACEWAY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("RACEWAY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("RACEWAY_DB_DSN", "file:/data/raceway.sqlite"),

		CandidateModels: getEnvStringSlice("RACEWAY_CANDIDATE_MODELS", nil),
		JudgeModel:      getEnv("RACEWAY_JUDGE_MODEL", ""),
		Strategy:        getEnv("RACEWAY_STRATEGY", "bandit"),

		BanditAlpha:      getEnvFloat("RACEWAY_BANDIT_ALPHA", 1.5),
		BanditRidge:      getEnvFloat("RACEWAY_BANDIT_RIDGE", 1e-2),
		BanditStatePath:  getEnv("RACEWAY_BANDIT_STATE_PATH", "/data/raceway-router-state.json"),
		StateRemoteKey:   getEnv("RACEWAY_STATE_REMOTE_KEY", "raceway:router-state"),
		LatencyBiasScale: getEnvFloat("RACEWAY_LATENCY_BIAS_SCALE", 0.05),
		DecayFactor:      getEnvFloat("RACEWAY_DECAY_FACTOR", 1.0),
		PruneMinTrials:   getEnvInt("RACEWAY_PRUNE_MIN_TRIALS", 20),
		PruneMinWinRate:  getEnvFloat("RACEWAY_PRUNE_MIN_WIN_RATE", 0.05),

		LengthThreshold: getEnvInt("RACEWAY_LENGTH_THRESHOLD", 2000),
		RewardWQ:        getEnvFloat("RACEWAY_REWARD_WQ", 0.8),
		RewardWL:        getEnvFloat("RACEWAY_REWARD_WL", 0.2),
		RewardWC:        getEnvFloat("RACEWAY_REWARD_WC", 0.0),
		FallbackPenalty: getEnvFloat("RACEWAY_FALLBACK_PENALTY", 0.1),

		MinPreviewTokens:          getEnvInt("RACEWAY_MIN_PREVIEW_TOKENS", 120),
		AdaptiveMinScale:          getEnvFloat("RACEWAY_ADAPTIVE_MIN_SCALE", 0.75),
		AdaptiveMaxScale:          getEnvFloat("RACEWAY_ADAPTIVE_MAX_SCALE", 1.5),
		SpeculativeMinQueryLength: getEnvInt("RACEWAY_SPECULATIVE_MIN_QUERY_LENGTH", 2000),
		PreviewCacheTTLSecs:       getEnvInt("RACEWAY_PREVIEW_CACHE_TTL", 600),
		PreviewRetryLimit:         getEnvInt("RACEWAY_PREVIEW_RETRY_LIMIT", 2),
		JudgeRetryLimit:           getEnvInt("RACEWAY_JUDGE_RETRY_LIMIT", 3),

		MaxTotalFullTokens: getEnvInt("RACEWAY_MAX_TOTAL_FULL_TOKENS", 0),
		MaxTotalCostUSD:    getEnvFloat("RACEWAY_MAX_TOTAL_COST_USD", 0),

		PreviewTimeoutSecs: getEnvInt("RACEWAY_PREVIEW_TIMEOUT", 10),
		FullTimeoutSecs:    getEnvInt("RACEWAY_FULL_TIMEOUT", 60),
		JudgeTimeoutSecs:   getEnvInt("RACEWAY_JUDGE_TIMEOUT", 20),
		RaceTimeoutSecs:    getEnvInt("RACEWAY_RACE_TIMEOUT", 90),

		RedisURL: getEnv("RACEWAY_REDIS_URL", ""),

		AnthropicAPIKey:  getEnv("RACEWAY_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("RACEWAY_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		OpenAIAPIKey:     getEnv("RACEWAY_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("RACEWAY_OPENAI_BASE_URL", "https://api.openai.com"),
		VLLMEndpoints:    getEnvStringSlice("RACEWAY_VLLM_ENDPOINTS", nil),

		ProviderTimeoutSecs:    getEnvInt("RACEWAY_PROVIDER_TIMEOUT_SECS", 30),
		ProviderRateLimitRPS:   getEnvFloat("RACEWAY_PROVIDER_RATE_LIMIT_RPS", 0),
		ProviderRateLimitBurst: getEnvInt("RACEWAY_PROVIDER_RATE_LIMIT_BURST", 10),

		MetricsEnabled: getEnvBool("RACEWAY_METRICS_ENABLED", true),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings. Returning
// an error here is what drives the CLI's exit code 2 (configuration error).
func (c Config) Validate() error {
	if len(c.CandidateModels) == 0 {
		return fmt.Errorf("RACEWAY_CANDIDATE_MODELS must list at least one model")
	}
	if c.JudgeModel == "" {
		return fmt.Errorf("RACEWAY_JUDGE_MODEL must be set")
	}
	if c.Strategy != "baseline" && c.Strategy != "bandit" {
		return fmt.Errorf("RACEWAY_STRATEGY must be \"baseline\" or \"bandit\", got %q", c.Strategy)
	}
	if c.BanditAlpha < 0 {
		return fmt.Errorf("RACEWAY_BANDIT_ALPHA must be >= 0, got %f", c.BanditAlpha)
	}
	if c.BanditRidge <= 0 {
		return fmt.Errorf("RACEWAY_BANDIT_RIDGE must be > 0, got %f", c.BanditRidge)
	}
	if sum := c.RewardWQ + c.RewardWL + c.RewardWC; sum > 1.0+1e-9 {
		return fmt.Errorf("RACEWAY_REWARD_WQ+WL+WC must be <= 1, got %f", sum)
	}
	if c.LengthThreshold <= 0 {
		return fmt.Errorf("RACEWAY_LENGTH_THRESHOLD must be > 0, got %d", c.LengthThreshold)
	}
	if c.PreviewCacheTTLSecs < 0 {
		return fmt.Errorf("RACEWAY_PREVIEW_CACHE_TTL must be >= 0, got %d", c.PreviewCacheTTLSecs)
	}
	if c.MinPreviewTokens <= 0 {
		return fmt.Errorf("RACEWAY_MIN_PREVIEW_TOKENS must be > 0, got %d", c.MinPreviewTokens)
	}
	if c.PreviewRetryLimit < 0 || c.JudgeRetryLimit < 0 {
		return fmt.Errorf("RACEWAY_PREVIEW_RETRY_LIMIT and RACEWAY_JUDGE_RETRY_LIMIT must be >= 0")
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("RACEWAY_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.PreviewTimeoutSecs <= 0 || c.FullTimeoutSecs <= 0 || c.JudgeTimeoutSecs <= 0 || c.RaceTimeoutSecs <= 0 {
		return fmt.Errorf("RACEWAY_PREVIEW_TIMEOUT, FULL_TIMEOUT, JUDGE_TIMEOUT, and RACE_TIMEOUT must all be > 0")
	}
	if c.AdaptiveMinScale <= 0 || c.AdaptiveMaxScale < c.AdaptiveMinScale {
		return fmt.Errorf("RACEWAY_ADAPTIVE_MIN_SCALE/MAX_SCALE must satisfy 0 < min <= max")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
