package router

import (
	"testing"
)

func TestSelect_ColdArmsBreakTiesByInsertionOrder(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 3, nil, nil)
	ctx := ContextVector{0.1, 0.2, 0.3}

	order := r.Select(ctx, []ModelId{"b", "a", "c"}, 0)
	if len(order) != 3 || order[0] != "b" || order[1] != "a" || order[2] != "c" {
		t.Fatalf("Select() = %v, want insertion order [b a c] for cold equal-score arms", order)
	}
}

func TestSelect_TopKTruncates(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}

	out := r.Select(ctx, []ModelId{"a", "b", "c"}, 2)
	if len(out) != 2 {
		t.Fatalf("Select() with topK=2 returned %d models, want 2", len(out))
	}
}

func TestSelect_PanicsOnDimensionMismatch(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 3, nil, nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on context dimension mismatch")
		}
	}()
	r.Select(ContextVector{1, 2}, []ModelId{"a"}, 0)
}

func TestBulkUpdate_RewardedArmRanksHigher(t *testing.T) {
	r := NewLinUCBRouter(LinUCBConfig{Alpha: 0, Ridge: 1e-2}, 2, nil, nil)
	ctx := ContextVector{1, 0}

	if err := r.BulkUpdate(ctx, map[ModelId]float64{"a": 1.0, "b": 0.0}, "a", nil); err != nil {
		t.Fatalf("BulkUpdate() error: %v", err)
	}
	// Alpha=0 disables the exploration bonus, so ranking reduces to predicted
	// mean reward along ctx: "a" was reinforced positively, "b" was not.
	order := r.Select(ctx, []ModelId{"b", "a"}, 0)
	if order[0] != "a" {
		t.Fatalf("Select() after BulkUpdate = %v, want a ranked first", order)
	}
}

func TestBulkUpdate_TracksTrialsAndWins(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}

	if err := r.BulkUpdate(ctx, map[ModelId]float64{"a": 0.8, "b": 0.2}, "a", nil); err != nil {
		t.Fatalf("BulkUpdate() error: %v", err)
	}
	if err := r.BulkUpdate(ctx, map[ModelId]float64{"a": 0.8, "b": 0.2}, "b", nil); err != nil {
		t.Fatalf("BulkUpdate() error: %v", err)
	}

	state := r.Snapshot()
	a := state.Arms["a"]
	if a.Trials != 2 || a.Wins != 1 {
		t.Errorf("arm a: Trials=%d Wins=%d, want Trials=2 Wins=1", a.Trials, a.Wins)
	}
	b := state.Arms["b"]
	if b.Trials != 2 || b.Wins != 1 {
		t.Errorf("arm b: Trials=%d Wins=%d, want Trials=2 Wins=1", b.Trials, b.Wins)
	}
}

func TestDecay_InflatesUncertaintyAndForgetsEvidence(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}
	_ = r.BulkUpdate(ctx, map[ModelId]float64{"a": 1.0}, "a", nil)

	before := r.Snapshot().Arms["a"]
	r.Decay(0.5)
	after := r.Snapshot().Arms["a"]

	if after.AInv[0][0] <= before.AInv[0][0] {
		t.Errorf("Decay(0.5) should inflate A_inv diagonal, got before=%f after=%f", before.AInv[0][0], after.AInv[0][0])
	}
	if after.B[0] >= before.B[0] {
		t.Errorf("Decay(0.5) should shrink b, got before=%f after=%f", before.B[0], after.B[0])
	}
}

func TestDecay_IgnoresOutOfRangeFactor(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}
	_ = r.BulkUpdate(ctx, map[ModelId]float64{"a": 1.0}, "a", nil)
	before := r.Snapshot().Arms["a"]

	r.Decay(0)
	r.Decay(1.5)
	r.Decay(-1)

	after := r.Snapshot().Arms["a"]
	if after.AInv[0][0] != before.AInv[0][0] || after.B[0] != before.B[0] {
		t.Fatal("Decay() with an out-of-range factor should be a no-op")
	}
}

func TestPrune_RemovesOnlyArmsFailingBothConditions(t *testing.T) {
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}

	// "stale": few trials, no wins -> should be pruned.
	_ = r.BulkUpdate(ctx, map[ModelId]float64{"stale": 0.1}, "", nil)
	// "proven": few trials, but a healthy win rate -> kept despite low trial count.
	for i := 0; i < 2; i++ {
		_ = r.BulkUpdate(ctx, map[ModelId]float64{"proven": 0.9}, "proven", nil)
	}
	// "workhorse": many trials -> kept regardless of win rate.
	for i := 0; i < 25; i++ {
		_ = r.BulkUpdate(ctx, map[ModelId]float64{"workhorse": 0.1}, "", nil)
	}

	pruned := r.Prune(20, 0.5)

	prunedSet := map[ModelId]bool{}
	for _, m := range pruned {
		prunedSet[m] = true
	}
	if !prunedSet["stale"] {
		t.Error("expected \"stale\" to be pruned (few trials, no wins)")
	}
	if prunedSet["proven"] {
		t.Error("did not expect \"proven\" to be pruned (healthy win rate)")
	}
	if prunedSet["workhorse"] {
		t.Error("did not expect \"workhorse\" to be pruned (trial count above minTrials)")
	}

	state := r.Snapshot()
	if _, ok := state.Arms["stale"]; ok {
		t.Error("pruned arm \"stale\" should no longer appear in state")
	}
}

func TestSaveLoad_RoundTripsThroughFileStateStore(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStateStore(dir + "/router-state.json")

	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	ctx := ContextVector{1, 0}
	_ = r.BulkUpdate(ctx, map[ModelId]float64{"a": 0.7}, "a", nil)

	if err := r.Save(store); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	r2 := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	if err := r2.Load(store); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	before := r.Snapshot().Arms["a"]
	after := r2.Snapshot().Arms["a"]
	if after.Trials != before.Trials || after.Wins != before.Wins {
		t.Fatalf("loaded arm = %+v, want %+v", after, before)
	}
	if after.B[0] != before.B[0] {
		t.Errorf("loaded B[0] = %f, want %f", after.B[0], before.B[0])
	}
}

func TestLoad_DimensionMismatchKeepsColdState(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStateStore(dir + "/router-state.json")

	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	_ = r.BulkUpdate(ContextVector{1, 0}, map[ModelId]float64{"a": 0.7}, "a", nil)
	_ = r.Save(store)

	r3 := NewLinUCBRouter(DefaultLinUCBConfig(), 5, nil, nil)
	if err := r3.Load(store); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(r3.Snapshot().Arms) != 0 {
		t.Fatal("Load() across mismatched dimensions should leave the router cold")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	store := NewFileStateStore(t.TempDir() + "/does-not-exist.json")
	r := NewLinUCBRouter(DefaultLinUCBConfig(), 2, nil, nil)
	if err := r.Load(store); err != nil {
		t.Fatalf("Load() of a missing file should not error, got %v", err)
	}
}

type fakeLatencyProvider map[ModelId]float64

func (f fakeLatencyProvider) P95(model ModelId) float64 { return f[model] }

func TestSelect_LatencyBiasPenalizesSlowModel(t *testing.T) {
	cfg := LinUCBConfig{Alpha: 0, Ridge: 1e-2, LatencyBiasScale: 0.5, ReferenceLatency: 5.0}
	latency := fakeLatencyProvider{"slow": 10, "fast": 0}
	r := NewLinUCBRouter(cfg, 2, latency, nil)

	order := r.Select(ContextVector{0, 0}, []ModelId{"slow", "fast"}, 0)
	if order[0] != "fast" {
		t.Fatalf("Select() = %v, want \"fast\" ranked ahead of a high-p95 model at equal mean reward", order)
	}
}
