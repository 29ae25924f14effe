package race

import (
	"sort"

	"github.com/modelrace/raceway/internal/router"
	"github.com/modelrace/raceway/internal/store"
)

// rankingOrder turns judge scores into the order full-answer attempts are
// tried in: descending Overall, tie-broken by lower p95 latency, then
// lexicographic model id.
func rankingOrder(scores router.JudgeScores, previews []router.PreviewOutcome, latency *router.LatencyMetrics) []router.ModelId {
	models := make([]router.ModelId, 0, len(previews))
	for _, p := range previews {
		models = append(models, p.Model)
	}
	p95 := func(m router.ModelId) float64 {
		if latency == nil {
			return 0
		}
		return latency.P95(m)
	}
	sort.SliceStable(models, func(i, j int) bool {
		si, sj := scores.Overall[models[i]], scores.Overall[models[j]]
		if si != sj {
			return si > sj
		}
		li, lj := p95(models[i]), p95(models[j])
		if li != lj {
			return li < lj
		}
		return models[i] < models[j]
	})
	return models
}

// computeRewards builds the per-model RewardInput for every model that ran
// a preview, composes the reward, and returns the map BulkUpdate needs
// along with the total tokens consumed across the race and a fallback
// count (models attempted in the FULL stage that did not win).
func (o *Orchestrator) computeRewards(previews []router.PreviewOutcome, scores router.JudgeScores, full fullResult, q router.Query) (map[router.ModelId]float64, int, int) {
	rewards := make(map[router.ModelId]float64, len(previews))
	totalTokens := 0
	fallbacks := 0

	for _, p := range previews {
		quality := scores.Overall[p.Model]
		latencySeconds := p.LatencySeconds
		if p.CacheHit && o.deps.Latency != nil {
			latencySeconds = o.deps.Latency.P95(p.Model)
		}
		tokens := p.TokensConsumed
		wasFallback := false
		if attempt, attempted := full.attempts[p.Model]; attempted {
			tokens += attempt.count
			totalTokens += attempt.count
			if p.Model != full.winner {
				wasFallback = true
				fallbacks++
			}
		}
		totalTokens += p.TokensConsumed

		reward := o.deps.Reward.Compose(router.RewardInput{
			Quality:        quality,
			LatencySeconds: latencySeconds,
			QueryLength:    len(q.Text),
			TokensConsumed: tokens,
			WasFallback:    wasFallback,
		})
		rewards[p.Model] = reward
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveReward(string(p.Model), reward)
		}
		if wasFallback && o.deps.Metrics != nil {
			o.deps.Metrics.IncFallback(string(p.Model))
		}
	}
	return rewards, totalTokens, fallbacks
}

// buildModelSummaries assembles the per-model rows of a store.RunSummary.
func buildModelSummaries(ranked []router.ModelId, previews []router.PreviewOutcome, scores router.JudgeScores, full fullResult, rewards map[router.ModelId]float64) []store.ModelOutcome {
	rankOf := make(map[router.ModelId]int, len(ranked))
	for i, m := range ranked {
		rankOf[m] = i
	}
	previewByModel := make(map[router.ModelId]router.PreviewOutcome, len(previews))
	for _, p := range previews {
		previewByModel[p.Model] = p
	}

	out := make([]store.ModelOutcome, 0, len(ranked))
	for _, m := range ranked {
		p := previewByModel[m]
		mo := store.ModelOutcome{
			ModelID:        string(m),
			SelectedRank:   rankOf[m],
			PreviewLatency: p.LatencySeconds,
			PreviewTokens:  p.TokensConsumed,
			JudgeOverall:   scores.Overall[m],
			Reward:         rewards[m],
		}
		if attempt, attempted := full.attempts[m]; attempted {
			mo.FullAttempted = true
			mo.FullStatus = string(attempt.status)
			mo.FullLatency = attempt.latency
			mo.FullTokens = attempt.count
		}
		out = append(out, mo)
	}
	return out
}
