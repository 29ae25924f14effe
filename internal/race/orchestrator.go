// Package race implements RaceOrchestrator: the control flow that races a
// pool of candidate LLM backends against a single query, judges their
// previews, streams a full answer from the winner, and feeds the outcome
// back into the bandit router.
package race

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelrace/raceway/internal/router"
	"github.com/modelrace/raceway/internal/store"
)

// HealthGate reports whether a model is currently eligible to be offered as
// a race candidate at all. A model excluded here never reaches feature
// extraction or the bandit.
type HealthGate interface {
	IsAvailable(model string) bool
}

// HealthRecorder receives preview/full outcomes so a health tracker can
// track consecutive errors independently of the bandit's reward learning.
type HealthRecorder interface {
	RecordSuccess(model string, latencyMs float64)
	RecordError(model string, reason string)
}

// Breaker is the per-model circuit breaker interface the orchestrator
// reports outcomes to. circuitbreaker.Breaker implements this.
type Breaker interface {
	RecordSuccess()
	RecordFailure()
}

// Config holds the orchestrator's tunable parameters (spec section 4.10).
type Config struct {
	MinPreviewTokens          int
	AdaptiveMinScale          float64
	AdaptiveMaxScale          float64
	LengthThreshold           float64
	SpeculativeMinQueryLength int

	PreviewRetryLimit int
	PreviewCacheTTL   time.Duration

	MaxTotalFullTokens int     // 0 disables the token budget
	MaxTotalCostUSD    float64 // 0 disables the cost budget
	PricePerToken      float64 // cost proxy, mirrors RewardPolicy's

	PreviewTimeout time.Duration
	FullTimeout    time.Duration
	JudgeTimeout   time.Duration
	RaceTimeout    time.Duration
}

// DefaultConfig returns the spec's default orchestrator parameters.
func DefaultConfig() Config {
	return Config{
		MinPreviewTokens:          120,
		AdaptiveMinScale:          0.75,
		AdaptiveMaxScale:          1.5,
		LengthThreshold:           2000,
		SpeculativeMinQueryLength: 2000,
		PreviewRetryLimit:         2,
		PreviewCacheTTL:           10 * time.Minute,
		PricePerToken:             1.0,
		PreviewTimeout:            10 * time.Second,
		FullTimeout:               60 * time.Second,
		JudgeTimeout:              20 * time.Second,
		RaceTimeout:               90 * time.Second,
	}
}

// Outcome is the terminal classification of a race, used to drive exit
// codes at the CLI boundary.
type Outcome string

const (
	OutcomeDone                  Outcome = "done"
	OutcomeNoCandidates          Outcome = "no_candidates"
	OutcomeAllPreviewsFailed     Outcome = "all_previews_failed"
	OutcomeJudgeFailed           Outcome = "judge_failed"
	OutcomeBudgetExceeded        Outcome = "budget_exceeded"
	OutcomeAllFullAttemptsFailed Outcome = "all_full_attempts_failed"
)

// Result is the terminal record delivered by Future.Wait once a race ends.
type Result struct {
	Outcome Outcome
	Summary store.RunSummary
	Err     error
}

// Future resolves once a race's token channel has closed, delivering the
// terminal Result exactly once. Mirrors router.StreamFuture's shape.
type Future struct {
	done chan Result
}

func newFuture() *Future { return &Future{done: make(chan Result, 1)} }

func (f *Future) resolve(r Result) {
	select {
	case f.done <- r:
	default:
	}
}

// Wait blocks until the race resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-f.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Metrics is the subset of metrics the orchestrator reports to. Callers not
// wiring Prometheus may pass nil.
type Metrics interface {
	ObserveRace(outcome string, durationSeconds float64)
	ObservePreviewLatency(model string, seconds float64)
	ObserveFullLatency(model string, seconds float64)
	ObserveReward(model string, reward float64)
	IncCacheHit(model string)
	IncFallback(model string)
	IncBudgetExceeded()
}

// Deps bundles every collaborator the orchestrator needs. Health, Breakers,
// and Metrics are optional (nil-safe).
type Deps struct {
	Router   router.Router
	Features *router.FeatureExtractor
	Reward   router.RewardPolicy
	Latency  *router.LatencyMetrics
	Cache    router.PreviewCache
	Store    router.RouterStateStore
	Judge    router.Judge
	Clients  map[router.ModelId]router.ModelClient

	Gate     HealthGate
	Health   HealthRecorder
	Breakers map[router.ModelId]Breaker

	Metrics Metrics
	Logger  *slog.Logger
}

// Orchestrator runs races per Config/Deps. Safe for concurrent Run calls:
// all shared mutation happens inside Router.BulkUpdate under its own mutex.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// Run starts a race for q over candidates and returns a live token channel
// for the eventual winner's full answer plus a Future resolving to the
// race's terminal Result. The channel closes when the race ends, whether
// successfully or not; no partial text is ever written for a race that
// ultimately fails.
func (o *Orchestrator) Run(ctx context.Context, q router.Query, candidates []router.ModelId) (<-chan string, *Future) {
	out := make(chan string)
	future := newFuture()
	go o.run(ctx, q, candidates, out, future)
	return out, future
}

func (o *Orchestrator) run(ctx context.Context, q router.Query, candidates []router.ModelId, out chan<- string, future *Future) {
	defer close(out)
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RaceTimeout)
	defer cancel()

	summary := store.RunSummary{QueryHash: hashQuery(q.Text), Strategy: o.strategyName()}

	available := o.filterAvailable(candidates)
	if len(available) == 0 {
		o.finish(future, summary, OutcomeNoCandidates, fmt.Errorf("race: no healthy candidates"), start)
		return
	}

	ctxVec := o.deps.Features.Compute(q)
	ranked := o.deps.Router.Select(ctxVec, available, 0) // top_k pruning disabled by default
	if len(ranked) == 0 {
		o.finish(future, summary, OutcomeNoCandidates, fmt.Errorf("race: router returned no candidates"), start)
		return
	}

	previews := o.previewAll(ctx, q, ranked)
	successful := successfulPreviews(previews)
	if len(successful) == 0 {
		o.finish(future, summary, OutcomeAllPreviewsFailed, fmt.Errorf("race: all previews failed"), start)
		return
	}

	judgeCtx, judgeCancel := context.WithTimeout(ctx, o.cfg.JudgeTimeout)
	scores, err := o.deps.Judge.Rank(judgeCtx, q, successful)
	judgeCancel()
	if err != nil {
		o.finish(future, summary, OutcomeJudgeFailed, fmt.Errorf("race: judge failed: %w", err), start)
		return
	}

	order := rankingOrder(scores, successful, o.deps.Latency)

	budget := newBudgetTracker(o.cfg.MaxTotalFullTokens, o.cfg.MaxTotalCostUSD, o.cfg.PricePerToken)
	var full fullResult
	if len(q.Text) >= o.cfg.SpeculativeMinQueryLength && len(order) >= 2 {
		full = o.runSpeculative(ctx, q, order, budget)
	} else {
		full = o.runSequential(ctx, q, order, budget)
	}

	rewards, totalTokens, fallbacks := o.computeRewards(previews, scores, full, q)
	if bulkErr := o.deps.Router.BulkUpdate(ctxVec, rewards, order[0], o.deps.Store); bulkErr != nil {
		o.logger.Warn("router bulk update failed", slog.String("error", bulkErr.Error()))
	}

	summary.Models = buildModelSummaries(ranked, previews, scores, full, rewards)
	summary.TotalTokens = totalTokens
	summary.TotalCostUSD = float64(totalTokens) * o.cfg.PricePerToken / 1000
	summary.Fallbacks = fallbacks
	summary.WinnerModel = full.winner

	outcome := OutcomeDone
	var resErr error
	switch {
	case budget.wasExceeded():
		outcome = OutcomeBudgetExceeded
		resErr = fmt.Errorf("race: budget exceeded")
		if o.deps.Metrics != nil {
			o.deps.Metrics.IncBudgetExceeded()
		}
	case full.winner == "":
		outcome = OutcomeAllFullAttemptsFailed
		resErr = fmt.Errorf("race: all full attempts failed")
	}
	summary.Outcome = string(outcome)

	if outcome == OutcomeDone {
		for _, tok := range full.winnerTokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				break
			}
		}
	}

	o.finish(future, summary, outcome, resErr, start)
}

func (o *Orchestrator) finish(future *Future, summary store.RunSummary, outcome Outcome, err error, start time.Time) {
	summary.WallClockSecs = time.Since(start).Seconds()
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRace(string(outcome), summary.WallClockSecs)
	}
	future.resolve(Result{Outcome: outcome, Summary: summary, Err: err})
}

func (o *Orchestrator) filterAvailable(candidates []router.ModelId) []router.ModelId {
	if o.deps.Gate == nil {
		return append([]router.ModelId(nil), candidates...)
	}
	out := make([]router.ModelId, 0, len(candidates))
	for _, c := range candidates {
		if o.deps.Gate.IsAvailable(c) {
			out = append(out, c)
		}
	}
	return out
}

func (o *Orchestrator) strategyName() string {
	switch o.deps.Router.(type) {
	case *router.BaselineRouter:
		return "baseline"
	default:
		return "bandit"
	}
}

func hashQuery(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
