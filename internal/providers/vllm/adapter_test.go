package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrace/raceway/internal/router"
)

func drain(ch <-chan string, future *router.StreamFuture, ctx context.Context) (string, router.StreamResult) {
	var text string
	for tok := range ch {
		text += tok
	}
	result, _ := future.Wait(ctx)
	return text, result
}

func TestStreamSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header for vLLM, got %s", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello from vLLM!"}},
			},
		})
	}))
	defer ts.Close()

	a := New("local-model", ts.URL)
	ch, future := a.Stream(context.Background(), router.Query{Text: "hi"}, 100)
	text, result := drain(ch, future, context.Background())

	if result.Status != router.CompletionOK {
		t.Fatalf("expected CompletionOK, got %s (err=%v)", result.Status, result.Err)
	}
	if text == "" {
		t.Error("expected non-empty streamed text")
	}
}

func TestStreamRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer ts.Close()

	a := New("local-model", ts.URL)
	ch, future := a.Stream(context.Background(), router.Query{Text: "hi"}, 100)
	_, result := drain(ch, future, context.Background())

	classified := a.ClassifyError(result.Err)
	if classified.Class != router.ErrTransient {
		t.Errorf("expected ErrTransient, got %s", classified.Class)
	}
}

func TestStreamServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`internal error`))
	}))
	defer ts.Close()

	a := New("local-model", ts.URL)
	ch, future := a.Stream(context.Background(), router.Query{Text: "hi"}, 100)
	_, result := drain(ch, future, context.Background())

	classified := a.ClassifyError(result.Err)
	if classified.Class != router.ErrTransient {
		t.Errorf("expected ErrTransient, got %s", classified.Class)
	}
}

func TestStreamPayload(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	a := New("my-local-model", ts.URL)
	ch, future := a.Stream(context.Background(), router.Query{Text: "Hello"}, 64)
	drain(ch, future, context.Background())

	if payload["model"] != "my-local-model" {
		t.Errorf("expected model my-local-model, got %v", payload["model"])
	}
	if payload["max_tokens"] != float64(64) {
		t.Errorf("expected max_tokens=64, got %v", payload["max_tokens"])
	}
}

func TestClassifyNonStatusError(t *testing.T) {
	a := New("local-model", "http://localhost")
	classified := a.ClassifyError(context.DeadlineExceeded)
	if classified.Class != router.ErrPermanent {
		t.Errorf("expected ErrPermanent for non-StatusError, got %s", classified.Class)
	}
}

func TestRoundRobinAcrossEndpoints(t *testing.T) {
	var hitsA, hitsB int
	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer serverA.Close()
	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer serverB.Close()

	a := New("local-model", serverA.URL, WithEndpoints(serverB.URL))
	for i := 0; i < 4; i++ {
		ch, future := a.Stream(context.Background(), router.Query{Text: "hi"}, 10)
		drain(ch, future, context.Background())
	}

	if hitsA != 2 || hitsB != 2 {
		t.Errorf("expected round-robin 2/2 split, got A=%d B=%d", hitsA, hitsB)
	}
}
