package store

import (
	"context"
	"time"
)

// RunSummary is the structured record emitted at the end of every race
// (spec.md section 6): per-model outcomes plus race-level totals, kept
// for operator inspection via racewayctl.
type RunSummary struct {
	ID            int64          `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	QueryHash     string         `json:"query_hash"`
	Strategy      string         `json:"strategy"`
	Models        []ModelOutcome `json:"models"`
	TotalTokens   int            `json:"total_tokens"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	Fallbacks     int            `json:"fallbacks"`
	WallClockSecs float64        `json:"wall_clock_secs"`
	WinnerModel   string         `json:"winner_model,omitempty"`
	Outcome       string         `json:"outcome"` // a race.Outcome value: done, no_candidates, all_previews_failed, judge_failed, budget_exceeded, all_full_attempts_failed
}

// ModelOutcome is one candidate's contribution to a RunSummary.
type ModelOutcome struct {
	ModelID        string  `json:"model_id"`
	SelectedRank   int     `json:"selected_rank"`
	PreviewLatency float64 `json:"preview_latency_secs"`
	PreviewTokens  int     `json:"preview_tokens"`
	JudgeOverall   float64 `json:"judge_overall"`
	FullAttempted  bool    `json:"full_attempted"`
	FullStatus     string  `json:"full_status,omitempty"`
	FullLatency    float64 `json:"full_latency_secs,omitempty"`
	FullTokens     int     `json:"full_tokens,omitempty"`
	Reward         float64 `json:"reward"`
}

// Store persists RunSummary records for operator inspection.
type Store interface {
	SaveRunSummary(ctx context.Context, s RunSummary) error
	ListRunSummaries(ctx context.Context, limit int, offset int) ([]RunSummary, error)

	Migrate(ctx context.Context) error
	Close() error
}
