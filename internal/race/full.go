package race

import (
	"context"
	"sync"
	"time"

	"github.com/modelrace/raceway/internal/router"
)

// fullAttempt is one candidate's full-answer attempt outcome.
type fullAttempt struct {
	model   router.ModelId
	tokens  []string
	count   int
	latency float64
	status  router.FullStatus
	err     error
}

// fullResult is the outcome of the FULL stage across however many models
// were attempted.
type fullResult struct {
	winner         router.ModelId
	winnerTokens   []string
	attempts       map[router.ModelId]fullAttempt
	budgetExceeded bool
}

// budgetTracker enforces the race-wide token/cost ceilings across every
// full-stage attempt, regardless of which model is consuming tokens.
type budgetTracker struct {
	mu            sync.Mutex
	maxTokens     int
	maxCostUSD    float64
	pricePerToken float64
	tokens        int
	exceeded      bool
}

func newBudgetTracker(maxTokens int, maxCostUSD, pricePerToken float64) *budgetTracker {
	return &budgetTracker{maxTokens: maxTokens, maxCostUSD: maxCostUSD, pricePerToken: pricePerToken}
}

// addToken records one more consumed token and reports whether the budget
// is still within bounds. Once breached, it stays breached for the race.
func (b *budgetTracker) addToken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens++
	cost := float64(b.tokens) * b.pricePerToken / 1000
	if (b.maxTokens > 0 && b.tokens > b.maxTokens) || (b.maxCostUSD > 0 && cost > b.maxCostUSD) {
		b.exceeded = true
	}
	return !b.exceeded
}

func (b *budgetTracker) wasExceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}

// attemptFull drives one model's full-answer stream to completion,
// buffering its tokens rather than forwarding them live, so a failed
// attempt never leaks partial text to the caller. Budget breaches cancel
// the attempt immediately.
func (o *Orchestrator) attemptFull(ctx context.Context, q router.Query, model router.ModelId, budget *budgetTracker, firstTokenCh chan<- struct{}) fullAttempt {
	client, ok := o.deps.Clients[model]
	if !ok {
		return fullAttempt{model: model, status: router.FullStatusError, err: errModelNotConfigured(model)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.FullTimeout)
	defer cancel()

	start := time.Now()
	ch, future := client.Stream(attemptCtx, q, 0)

	var tokens []string
	var signalled bool
	for tok := range ch {
		tokens = append(tokens, tok)
		if !signalled && firstTokenCh != nil {
			signalled = true
			close(firstTokenCh)
		}
		if !budget.addToken() {
			cancel()
		}
	}
	if !signalled && firstTokenCh != nil {
		close(firstTokenCh)
	}
	res, waitErr := future.Wait(context.Background())
	latency := time.Since(start).Seconds()

	if waitErr != nil {
		o.recordFailure(model, "full_wait_error")
		return fullAttempt{model: model, tokens: tokens, count: len(tokens), latency: latency, status: router.FullStatusError, err: waitErr}
	}

	switch res.Status {
	case router.CompletionOK:
		o.recordSuccess(model, latency)
		if o.deps.Metrics != nil {
			o.deps.Metrics.ObserveFullLatency(string(model), latency)
		}
		status := router.FullStatusOK
		if budget.wasExceeded() {
			status = router.FullStatusBudgetExceeded
		}
		return fullAttempt{model: model, tokens: tokens, count: res.TokensConsumed, latency: latency, status: status}
	case router.CompletionCancelled:
		status := router.FullStatusCancelled
		if budget.wasExceeded() {
			status = router.FullStatusBudgetExceeded
		}
		return fullAttempt{model: model, tokens: tokens, count: res.TokensConsumed, latency: latency, status: status, err: res.Err}
	default:
		o.recordFailure(model, "full_backend_error")
		return fullAttempt{model: model, tokens: tokens, count: res.TokensConsumed, latency: latency, status: router.FullStatusError, err: res.Err}
	}
}

// runSequential tries ranked models one at a time until one succeeds, the
// budget breaks, or candidates are exhausted.
func (o *Orchestrator) runSequential(ctx context.Context, q router.Query, ranked []router.ModelId, budget *budgetTracker) fullResult {
	result := fullResult{attempts: make(map[router.ModelId]fullAttempt, len(ranked))}
	for _, model := range ranked {
		a := o.attemptFull(ctx, q, model, budget, nil)
		result.attempts[model] = a
		if budget.wasExceeded() {
			result.budgetExceeded = true
			return result
		}
		if a.status == router.FullStatusOK {
			result.winner = model
			result.winnerTokens = a.tokens
			return result
		}
	}
	return result
}

// runSpeculative races the top two ranked models; whichever emits its first
// token first is declared the winner and the other is cancelled. If the
// winner ultimately fails, execution falls back to sequential over the
// remaining ranked models (index 2 onward).
func (o *Orchestrator) runSpeculative(ctx context.Context, q router.Query, ranked []router.ModelId, budget *budgetTracker) fullResult {
	result := fullResult{attempts: make(map[router.ModelId]fullAttempt, len(ranked))}

	a, b := ranked[0], ranked[1]
	ctxA, cancelA := context.WithCancel(ctx)
	ctxB, cancelB := context.WithCancel(ctx)
	defer cancelA()
	defer cancelB()

	firstA := make(chan struct{})
	firstB := make(chan struct{})

	var attemptA, attemptB fullAttempt
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		attemptA = o.attemptFull(ctxA, q, a, budget, firstA)
	}()
	go func() {
		defer wg.Done()
		attemptB = o.attemptFull(ctxB, q, b, budget, firstB)
	}()

	var milestoneModel router.ModelId
	select {
	case <-firstA:
		milestoneModel = a
		cancelB()
	case <-firstB:
		milestoneModel = b
		cancelA()
	case <-ctx.Done():
	}
	wg.Wait()

	result.attempts[a] = attemptA
	result.attempts[b] = attemptB

	if budget.wasExceeded() {
		result.budgetExceeded = true
		return result
	}

	var winnerAttempt fullAttempt
	switch milestoneModel {
	case a:
		winnerAttempt = attemptA
	case b:
		winnerAttempt = attemptB
	default:
		// Neither reached a milestone (race ctx expired); prefer whichever
		// completed successfully, if either did.
		if attemptA.status == router.FullStatusOK {
			winnerAttempt = attemptA
			milestoneModel = a
		} else if attemptB.status == router.FullStatusOK {
			winnerAttempt = attemptB
			milestoneModel = b
		}
	}

	if winnerAttempt.status == router.FullStatusOK {
		result.winner = milestoneModel
		result.winnerTokens = winnerAttempt.tokens
		return result
	}

	if len(ranked) <= 2 {
		return result
	}
	rest := o.runSequential(ctx, q, ranked[2:], budget)
	for m, at := range rest.attempts {
		result.attempts[m] = at
	}
	if rest.budgetExceeded {
		result.budgetExceeded = true
	}
	result.winner = rest.winner
	result.winnerTokens = rest.winnerTokens
	return result
}
