package race

import (
	"context"
	"sync"
	"time"

	"github.com/modelrace/raceway/internal/router"
)

// previewCap computes the adaptive preview token cap for a query of the
// given length: min_preview_tokens scaled linearly between
// adaptive_min_scale (length 0) and adaptive_max_scale (length >=
// length_threshold).
func (o *Orchestrator) previewCap(queryLen int) int {
	threshold := o.cfg.LengthThreshold
	if threshold <= 0 {
		threshold = 1
	}
	frac := float64(queryLen) / threshold
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	scale := o.cfg.AdaptiveMinScale + (o.cfg.AdaptiveMaxScale-o.cfg.AdaptiveMinScale)*frac
	tokenCap := int(float64(o.cfg.MinPreviewTokens)*scale + 0.5)
	if tokenCap < 1 {
		tokenCap = 1
	}
	return tokenCap
}

// previewAll fans out a bounded preview request to every candidate in
// parallel, honoring cache, timeout, and retry policy per candidate.
func (o *Orchestrator) previewAll(ctx context.Context, q router.Query, candidates []router.ModelId) []router.PreviewOutcome {
	tokenCap := o.previewCap(len(q.Text))
	outcomes := make([]router.PreviewOutcome, len(candidates))

	var wg sync.WaitGroup
	for i, model := range candidates {
		wg.Add(1)
		go func(i int, model router.ModelId) {
			defer wg.Done()
			outcomes[i] = o.previewOne(ctx, q, model, tokenCap)
		}(i, model)
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) previewOne(ctx context.Context, q router.Query, model router.ModelId, tokenCap int) router.PreviewOutcome {
	if o.deps.Cache != nil {
		key := router.CacheKey(model, q.Text, tokenCap)
		if cached, ok := o.deps.Cache.Get(ctx, key); ok {
			if o.deps.Metrics != nil {
				o.deps.Metrics.IncCacheHit(string(model))
			}
			return router.PreviewOutcome{Model: model, Text: cached, TokensConsumed: 0, LatencySeconds: 0, CacheHit: true}
		}
	}

	client, ok := o.deps.Clients[model]
	if !ok {
		return router.PreviewOutcome{Model: model, Err: &router.ClassifiedError{Err: errModelNotConfigured(model), Class: router.ErrPermanent}}
	}

	attempts := o.cfg.PreviewRetryLimit + 1
	var last router.PreviewOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return router.PreviewOutcome{Model: model, Err: ctx.Err()}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.PreviewTimeout)
		start := time.Now()
		ch, future := client.Stream(attemptCtx, q, tokenCap)
		var text string
		for tok := range ch {
			text += tok
		}
		res, waitErr := future.Wait(attemptCtx)
		cancel()
		latency := time.Since(start).Seconds()

		if waitErr != nil {
			last = router.PreviewOutcome{Model: model, Text: text, LatencySeconds: latency, Err: waitErr}
			o.recordFailure(model, "preview_timeout")
			continue
		}
		if res.Status == router.CompletionOK {
			o.recordSuccess(model, latency)
			if o.deps.Latency != nil {
				o.deps.Latency.Record(model, latency)
			}
			if o.deps.Metrics != nil {
				o.deps.Metrics.ObservePreviewLatency(string(model), latency)
			}
			if o.deps.Cache != nil {
				key := router.CacheKey(model, q.Text, tokenCap)
				o.deps.Cache.Put(ctx, key, text, o.cfg.PreviewCacheTTL)
			}
			return router.PreviewOutcome{Model: model, Text: text, TokensConsumed: res.TokensConsumed, LatencySeconds: latency}
		}

		last = router.PreviewOutcome{Model: model, Text: text, TokensConsumed: res.TokensConsumed, LatencySeconds: latency, Err: res.Err}
		if !isRetryable(res.Err) {
			o.recordFailure(model, "preview_permanent_error")
			return last
		}
		o.recordFailure(model, "preview_transient_error")
	}
	return last
}

func (o *Orchestrator) recordSuccess(model router.ModelId, latencySeconds float64) {
	if o.deps.Health != nil {
		o.deps.Health.RecordSuccess(string(model), latencySeconds*1000)
	}
	if b, ok := o.deps.Breakers[model]; ok {
		b.RecordSuccess()
	}
}

func (o *Orchestrator) recordFailure(model router.ModelId, reason string) {
	if o.deps.Health != nil {
		o.deps.Health.RecordError(string(model), reason)
	}
	if b, ok := o.deps.Breakers[model]; ok {
		b.RecordFailure()
	}
}

func isRetryable(err error) bool {
	ce, ok := err.(*router.ClassifiedError)
	if !ok {
		return true
	}
	return ce.Class == router.ErrTransient
}

func successfulPreviews(previews []router.PreviewOutcome) []router.PreviewOutcome {
	out := make([]router.PreviewOutcome, 0, len(previews))
	for _, p := range previews {
		if p.Err == nil {
			out = append(out, p)
		}
	}
	return out
}

type notConfiguredErr struct{ model router.ModelId }

func (e notConfiguredErr) Error() string { return "race: no client configured for model " + string(e.model) }

func errModelNotConfigured(model router.ModelId) error { return notConfiguredErr{model: model} }
