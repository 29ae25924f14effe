package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RacesTotal == nil {
		t.Fatal("expected non-nil RacesTotal counter")
	}
	if r.PreviewLatency == nil {
		t.Fatal("expected non-nil PreviewLatency histogram")
	}
	if r.BanditReward == nil {
		t.Fatal("expected non-nil BanditReward histogram")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	h := r.Handler()
	if h == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.RacesTotal.WithLabelValues("done").Inc()
	r.PreviewLatency.WithLabelValues("gpt-4").Observe(0.2)
	r.BanditReward.WithLabelValues("gpt-4").Observe(0.8)
	r.CacheHitsTotal.WithLabelValues("gpt-4").Inc()
	r.CircuitState.WithLabelValues("gpt-4").Set(0)

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"raceway_races_total",
		"raceway_preview_latency_seconds",
		"raceway_bandit_reward",
		"raceway_cache_hits_total",
		"raceway_circuit_state",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RacesTotal.WithLabelValues("done").Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
	_ = r1
}

func TestRegisteredMetricDescriptions(t *testing.T) {
	r := New()

	ch := make(chan *prometheus.Desc, 10)
	go func() {
		r.RacesTotal.Describe(ch)
		r.PreviewLatency.Describe(ch)
		r.BanditReward.Describe(ch)
		close(ch)
	}()

	count := 0
	for range ch {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 metric descriptors, got %d", count)
	}
}
