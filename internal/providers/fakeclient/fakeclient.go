// Package fakeclient is an in-memory, deterministic router.ModelClient used
// by orchestrator tests and the end-to-end scenario suite. It never touches
// the network: every behavior (token text, per-token delay, error injection,
// cancellation observation) is configured up front by the test.
package fakeclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/modelrace/raceway/internal/router"
)

// Script describes one Stream call's scripted behavior.
type Script struct {
	Tokens       []string      // emitted in order, one per tick
	TokenDelay   time.Duration // delay before each token is sent
	Err          error         // non-nil: stream ends in error after Tokens are sent
	ErrClass     router.ErrorClass
	FailAfterTok int // -1 (default) means fail only after all Tokens sent
}

// Client is a scriptable router.ModelClient. Scripts are consumed in order
// per call to Stream; if the script list is exhausted the last script
// repeats. Safe for concurrent use.
type Client struct {
	id      router.ModelId
	mu      sync.Mutex
	scripts []Script
	calls   int

	cancelledMu sync.Mutex
	cancelled   map[int]bool // call index -> observed ctx cancellation before completion
	tokensSent  map[int]*int32
}

// New constructs a fake client that always returns the given scripts in
// order, round-robining the last one once exhausted.
func New(id router.ModelId, scripts ...Script) *Client {
	for i := range scripts {
		if scripts[i].FailAfterTok == 0 {
			scripts[i].FailAfterTok = -1
		}
	}
	return &Client{
		id:         id,
		scripts:    scripts,
		cancelled:  make(map[int]bool),
		tokensSent: make(map[int]*int32),
	}
}

// ID implements router.ModelClient.
func (c *Client) ID() router.ModelId { return c.id }

// Stream implements router.ModelClient by replaying the next scripted
// behavior. tokenCap truncates the token list actually sent, mirroring a
// real backend honoring a generation cap.
func (c *Client) Stream(ctx context.Context, _ router.Query, tokenCap int) (<-chan string, *router.StreamFuture) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	script := c.currentScript(idx)
	c.mu.Unlock()

	ch := make(chan string)
	future := router.NewStreamFuture()

	var sent int32
	c.cancelledMu.Lock()
	c.tokensSent[idx] = &sent
	c.cancelledMu.Unlock()

	go func() {
		defer close(ch)
		tokens := script.Tokens
		if tokenCap > 0 && tokenCap < len(tokens) {
			tokens = tokens[:tokenCap]
		}
		for i, tok := range tokens {
			if script.TokenDelay > 0 {
				timer := time.NewTimer(script.TokenDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					c.markCancelled(idx)
					future.Resolve(router.StreamResult{TokensConsumed: int(sent), Status: router.CompletionCancelled, Err: ctx.Err()})
					return
				}
			}
			select {
			case ch <- tok:
				sent++
			case <-ctx.Done():
				c.markCancelled(idx)
				future.Resolve(router.StreamResult{TokensConsumed: int(sent), Status: router.CompletionCancelled, Err: ctx.Err()})
				return
			}
			if script.FailAfterTok >= 0 && i+1 >= script.FailAfterTok {
				break
			}
		}

		if ctx.Err() != nil {
			c.markCancelled(idx)
			future.Resolve(router.StreamResult{TokensConsumed: int(sent), Status: router.CompletionCancelled, Err: ctx.Err()})
			return
		}

		if script.Err != nil {
			future.Resolve(router.StreamResult{TokensConsumed: int(sent), Status: router.CompletionError, Err: &router.ClassifiedError{Err: script.Err, Class: script.ErrClass}})
			return
		}
		future.Resolve(router.StreamResult{TokensConsumed: int(sent), Status: router.CompletionOK})
	}()

	return ch, future
}

func (c *Client) currentScript(idx int) Script {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.scripts) == 0 {
		return Script{Tokens: []string{"ok"}}
	}
	if idx < len(c.scripts) {
		return c.scripts[idx]
	}
	return c.scripts[len(c.scripts)-1]
}

func (c *Client) markCancelled(idx int) {
	c.cancelledMu.Lock()
	c.cancelled[idx] = true
	c.cancelledMu.Unlock()
}

// WasCancelled reports whether the call'th Stream invocation observed ctx
// cancellation before it finished naturally.
func (c *Client) WasCancelled(call int) bool {
	c.cancelledMu.Lock()
	defer c.cancelledMu.Unlock()
	return c.cancelled[call]
}

// TokensSent returns how many tokens the call'th invocation emitted before
// stopping, for asserting a cancelled stream's consumption stayed bounded.
func (c *Client) TokensSent(call int) int {
	c.cancelledMu.Lock()
	defer c.cancelledMu.Unlock()
	if p, ok := c.tokensSent[call]; ok {
		return int(*p)
	}
	return 0
}

// Calls returns how many times Stream has been invoked so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// WordTokens splits text on spaces, a convenience for building Scripts from
// prose in tests.
func WordTokens(text string) []string {
	return strings.Fields(text)
}
