// Package vllm implements router.ModelClient against one or more
// self-hosted vLLM instances, round-robining across endpoints.
package vllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelrace/raceway/internal/providers"
	"github.com/modelrace/raceway/internal/router"
)

// Adapter implements router.ModelClient for vLLM instances.
// Supports round-robin across multiple endpoints.
type Adapter struct {
	id        string
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
	limiter   *providers.RateLimiter
}

// New creates a new vLLM adapter with one or more endpoints. A zero timeout
// defaults to 30s.
func New(id string, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.client.Timeout = d
		}
	}
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

// WithRateLimit caps outbound requests to rps per second (shared across
// every endpoint in the round-robin pool) with the given burst. rps <= 0
// leaves the adapter unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *Adapter) {
		a.limiter = providers.NewRateLimiter(rps, burst)
	}
}

func (a *Adapter) ID() router.ModelId { return a.id }

// HealthEndpoint returns a URL for health probing against the first endpoint.
func (a *Adapter) HealthEndpoint() string {
	return a.endpoints[0] + "/v1/chat/completions"
}

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// Stream sends a single-shot request to the next endpoint in round-robin
// order, capped at tokenCap output tokens, then delivers the response
// incrementally as whitespace-delimited chunks.
func (a *Adapter) Stream(ctx context.Context, query router.Query, tokenCap int) (<-chan string, *router.StreamFuture) {
	ch := make(chan string)
	future := router.NewStreamFuture()

	go func() {
		defer close(ch)

		if err := a.limiter.Wait(ctx); err != nil {
			future.Resolve(a.errToResult(ctx, err))
			return
		}

		payload := map[string]any{
			"model": a.id,
			"messages": []map[string]string{
				{"role": "user", "content": query.Text},
			},
			"max_tokens": tokenCap,
		}
		baseURL := a.nextEndpoint()

		body, err := providers.DoRequest(ctx, a.client, baseURL+"/v1/chat/completions", payload, nil)
		if err != nil {
			future.Resolve(a.errToResult(ctx, err))
			return
		}

		text, err := extractContent(body)
		if err != nil {
			future.Resolve(router.StreamResult{Status: router.CompletionError, Err: a.ClassifyError(err)})
			return
		}
		a.streamChunks(ctx, ch, future, text)
	}()

	return ch, future
}

// ClassifyError maps a raw backend error into the core's coarse
// {transient, permanent} taxonomy.
func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		case se.StatusCode >= 500:
			return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
		}
	}
	return &router.ClassifiedError{Err: err, Class: router.ErrPermanent}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func extractContent(body []byte) (string, error) {
	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("vllm: parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vllm: response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// errToResult classifies a raw transport/backend error via ClassifyError so
// StreamResult.Err is always a *router.ClassifiedError, never a bare
// *providers.StatusError — the preview stage's retry policy type-asserts on
// the classified form.
func (a *Adapter) errToResult(ctx context.Context, err error) router.StreamResult {
	status := router.CompletionError
	if ctx.Err() != nil {
		status = router.CompletionCancelled
	}
	return router.StreamResult{Status: status, Err: a.ClassifyError(err)}
}

func (a *Adapter) streamChunks(ctx context.Context, ch chan<- string, future *router.StreamFuture, text string) {
	tokens := 0
	for _, word := range strings.Fields(text) {
		select {
		case <-ctx.Done():
			future.Resolve(router.StreamResult{TokensConsumed: tokens, Status: router.CompletionCancelled, Err: a.ClassifyError(ctx.Err())})
			return
		case ch <- word + " ":
			tokens++
		}
	}
	future.Resolve(router.StreamResult{TokensConsumed: tokens, Status: router.CompletionOK})
}
