// Package judge implements the default router.Judge: an LLM-backed ranker
// that scores a set of previews and returns a total ordering over them.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelrace/raceway/internal/router"
)

// Config controls the judge's retry policy and per-call timeout.
type Config struct {
	RetryLimit int           // default 3
	Timeout    time.Duration // per-call timeout
}

// DefaultConfig returns the spec's default judge_retry_limit of 3.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, Timeout: 20 * time.Second}
}

// LLMJudge scores previews by asking a designated judge model to rank them.
// The judge model is consumed through the same router.ModelClient interface
// as any race candidate, so no judge-specific transport is needed.
type LLMJudge struct {
	cfg    Config
	client router.ModelClient
}

// New constructs an LLMJudge backed by client (the configured judge_model).
func New(client router.ModelClient, cfg Config) *LLMJudge {
	return &LLMJudge{client: client, cfg: cfg}
}

// judgePayload is the shape the judge model is asked to emit: a JSON object
// mapping model id to its sub-scores. The exact prompt text is out of
// scope; only the response contract matters here.
type judgePayload struct {
	Scores map[string]struct {
		Relevance    float64 `json:"relevance"`
		Coverage     float64 `json:"coverage"`
		Faithfulness float64 `json:"faithfulness"`
		Overall      float64 `json:"overall"`
	} `json:"scores"`
}

// Rank implements router.Judge. It retries transient failures (including
// unparsable responses) up to cfg.RetryLimit times, then reports a fatal
// error to the caller.
func (j *LLMJudge) Rank(ctx context.Context, query router.Query, previews []router.PreviewOutcome) (router.JudgeScores, error) {
	if len(previews) == 0 {
		return router.JudgeScores{}, fmt.Errorf("judge: no previews to rank")
	}

	var lastErr error
	for attempt := 0; attempt <= j.cfg.RetryLimit; attempt++ {
		scores, err := j.rankOnce(ctx, query, previews)
		if err == nil {
			return scores, nil
		}
		lastErr = err
	}
	return router.JudgeScores{}, fmt.Errorf("judge: exhausted retry budget: %w", lastErr)
}

func (j *LLMJudge) rankOnce(ctx context.Context, query router.Query, previews []router.PreviewOutcome) (router.JudgeScores, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if j.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}

	prompt := buildJudgePrompt(query, previews)
	ch, future := j.client.Stream(callCtx, router.Query{Text: prompt}, 512)

	var sb strings.Builder
	for tok := range ch {
		sb.WriteString(tok)
	}
	result, err := future.Wait(callCtx)
	if err != nil {
		return router.JudgeScores{}, err
	}
	if result.Status != router.CompletionOK {
		if result.Err != nil {
			return router.JudgeScores{}, result.Err
		}
		return router.JudgeScores{}, fmt.Errorf("judge: stream ended with status %s", result.Status)
	}

	payload, err := extractJudgePayload(sb.String())
	if err != nil {
		return router.JudgeScores{}, err
	}
	return toJudgeScores(payload, previews), nil
}

func buildJudgePrompt(query router.Query, previews []router.PreviewOutcome) string {
	var sb strings.Builder
	sb.WriteString(query.Text)
	for _, p := range previews {
		sb.WriteString("\n---\n")
		sb.WriteString(p.Model)
		sb.WriteString(":\n")
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// extractJudgePayload parses the span from the first '{' to the last '}' of
// resp as one JSON object, tolerating surrounding prose the way an LLM
// response typically includes.
func extractJudgePayload(resp string) (judgePayload, error) {
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end < start {
		return judgePayload{}, fmt.Errorf("judge: no JSON object in response")
	}
	var payload judgePayload
	if err := json.Unmarshal([]byte(resp[start:end+1]), &payload); err != nil {
		return judgePayload{}, fmt.Errorf("judge: parse response: %w", err)
	}
	return payload, nil
}

func toJudgeScores(payload judgePayload, previews []router.PreviewOutcome) router.JudgeScores {
	scores := router.JudgeScores{
		Relevance:    make(map[string]float64),
		Coverage:     make(map[string]float64),
		Faithfulness: make(map[string]float64),
		Overall:      make(map[string]float64),
	}
	for _, p := range previews {
		s, ok := payload.Scores[p.Model]
		if !ok {
			continue
		}
		scores.Relevance[p.Model] = clip01(s.Relevance)
		scores.Coverage[p.Model] = clip01(s.Coverage)
		scores.Faithfulness[p.Model] = clip01(s.Faithfulness)
		scores.Overall[p.Model] = clip01(s.Overall)
	}
	ranking := make([]string, 0, len(previews))
	for _, p := range previews {
		ranking = append(ranking, p.Model)
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		return scores.Overall[ranking[i]] > scores.Overall[ranking[j]]
	})
	scores.Ranking = ranking
	return scores
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
