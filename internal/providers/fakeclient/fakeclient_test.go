package fakeclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrace/raceway/internal/router"
)

func drain(ch <-chan string, future *router.StreamFuture, ctx context.Context) (string, router.StreamResult) {
	var got string
	for tok := range ch {
		got += tok
	}
	res, err := future.Wait(ctx)
	if err != nil {
		return got, router.StreamResult{Status: router.CompletionError, Err: err}
	}
	return got, res
}

func TestStreamSuccess(t *testing.T) {
	c := New("fake-a", Script{Tokens: []string{"hello ", "world"}})
	ch, future := c.Stream(context.Background(), router.Query{Text: "hi"}, 0)
	text, res := drain(ch, future, context.Background())
	if text != "hello world" {
		t.Errorf("expected 'hello world', got %q", text)
	}
	if res.Status != router.CompletionOK {
		t.Errorf("expected ok, got %s", res.Status)
	}
	if res.TokensConsumed != 2 {
		t.Errorf("expected 2 tokens, got %d", res.TokensConsumed)
	}
}

func TestStreamTokenCapTruncates(t *testing.T) {
	c := New("fake-a", Script{Tokens: []string{"a", "b", "c", "d"}})
	ch, future := c.Stream(context.Background(), router.Query{}, 2)
	_, res := drain(ch, future, context.Background())
	if res.TokensConsumed != 2 {
		t.Errorf("expected cap to limit to 2 tokens, got %d", res.TokensConsumed)
	}
}

func TestStreamTransientError(t *testing.T) {
	c := New("fake-a", Script{Tokens: []string{"partial"}, Err: errors.New("rate limited"), ErrClass: router.ErrTransient})
	ch, future := c.Stream(context.Background(), router.Query{}, 0)
	_, res := drain(ch, future, context.Background())
	if res.Status != router.CompletionError {
		t.Fatalf("expected error status, got %s", res.Status)
	}
	var ce *router.ClassifiedError
	if !errors.As(res.Err, &ce) || ce.Class != router.ErrTransient {
		t.Errorf("expected transient classified error, got %v", res.Err)
	}
}

func TestStreamCancellationStopsTokens(t *testing.T) {
	c := New("fake-a", Script{Tokens: []string{"a", "b", "c", "d", "e"}, TokenDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	ch, future := c.Stream(ctx, router.Query{}, 0)

	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	for range ch {
	}
	res, _ := future.Wait(context.Background())
	if res.Status != router.CompletionCancelled {
		t.Errorf("expected cancelled, got %s", res.Status)
	}
	if !c.WasCancelled(0) {
		t.Error("expected WasCancelled(0) to be true")
	}
	if c.TokensSent(0) >= 5 {
		t.Errorf("expected cancellation to bound token count below full script, got %d", c.TokensSent(0))
	}
}

func TestMultipleCallsAdvanceScript(t *testing.T) {
	c := New("fake-a",
		Script{Tokens: []string{"first"}},
		Script{Tokens: []string{"second"}},
	)
	ch1, f1 := c.Stream(context.Background(), router.Query{}, 0)
	text1, _ := drain(ch1, f1, context.Background())
	ch2, f2 := c.Stream(context.Background(), router.Query{}, 0)
	text2, _ := drain(ch2, f2, context.Background())

	if text1 != "first" || text2 != "second" {
		t.Errorf("expected scripted calls in order, got %q then %q", text1, text2)
	}
	if c.Calls() != 2 {
		t.Errorf("expected 2 calls recorded, got %d", c.Calls())
	}
}

func TestScriptRepeatsAfterExhausted(t *testing.T) {
	c := New("fake-a", Script{Tokens: []string{"only"}})
	for i := 0; i < 3; i++ {
		ch, future := c.Stream(context.Background(), router.Query{}, 0)
		text, _ := drain(ch, future, context.Background())
		if text != "only" {
			t.Errorf("call %d: expected repeated script, got %q", i, text)
		}
	}
}

func TestID(t *testing.T) {
	c := New("my-model")
	if c.ID() != "my-model" {
		t.Errorf("expected my-model, got %s", c.ID())
	}
}
