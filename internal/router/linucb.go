package router

import (
	"log/slog"
	"math"
	"sort"
	"sync"
)

// LatencyProvider exposes a per-model p95 latency for the router's latency
// bias term. LatencyMetrics implements this.
type LatencyProvider interface {
	P95(model ModelId) float64
}

// LinUCBConfig controls exploration, regularization, and the latency
// penalty applied to raw UCB scores.
type LinUCBConfig struct {
	Alpha             float64 // exploration coefficient, default 1.5
	Ridge             float64 // regularization lambda, default 1e-2
	LatencyBiasScale  float64 // beta, default 0.05
	ReferenceLatency  float64 // seconds, used to normalize p95 for the bias term
}

// DefaultLinUCBConfig returns the spec's default hyperparameters.
func DefaultLinUCBConfig() LinUCBConfig {
	return LinUCBConfig{
		Alpha:            1.5,
		Ridge:            1e-2,
		LatencyBiasScale: 0.05,
		ReferenceLatency: 5.0,
	}
}

// LinUCBRouter is a linear contextual bandit. For each candidate arm it
// maintains an inverse covariance matrix and a response accumulator,
// updated incrementally via Sherman-Morrison so no per-update matrix
// inversion is needed.
type LinUCBRouter struct {
	cfg     LinUCBConfig
	dim     int
	latency LatencyProvider
	logger  *slog.Logger

	mu    sync.Mutex
	arms  map[ModelId]ArmState
	order []ModelId // first-seen insertion order, for stable tie-breaks
}

// NewLinUCBRouter constructs a router for context vectors of dimension dim.
// latency may be nil, in which case the latency bias term is always zero.
func NewLinUCBRouter(cfg LinUCBConfig, dim int, latency LatencyProvider, logger *slog.Logger) *LinUCBRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinUCBRouter{
		cfg:     cfg,
		dim:     dim,
		latency: latency,
		logger:  logger,
		arms:    make(map[ModelId]ArmState),
	}
}

// Dim returns the router's configured context dimension.
func (r *LinUCBRouter) Dim() int { return r.dim }

func identityOverRidge(dim int, ridge float64) [][]float64 {
	m := make([][]float64, dim)
	inv := 1.0 / ridge
	for i := range m {
		row := make([]float64, dim)
		row[i] = inv
		m[i] = row
	}
	return m
}

// lazyInit returns the arm state for model, initializing A_inv = (1/lambda)*I
// and b = 0 if this is the first time the arm is seen. Caller must hold r.mu.
func (r *LinUCBRouter) lazyInit(model ModelId) ArmState {
	if a, ok := r.arms[model]; ok {
		return a
	}
	a := ArmState{
		AInv: identityOverRidge(r.dim, r.cfg.Ridge),
		B:    make([]float64, r.dim),
	}
	r.arms[model] = a
	r.order = append(r.order, model)
	return a
}

// Select scores candidateModels against context and returns them ordered by
// descending adjusted UCB score. If topK > 0 the result is truncated to
// topK entries. Missing arms are lazily initialized.
func (r *LinUCBRouter) Select(context ContextVector, candidateModels []ModelId, topK int) []ModelId {
	if context.Dim() != r.dim {
		panic("router: context dimension mismatch")
	}

	r.mu.Lock()
	type scored struct {
		model ModelId
		score float64
		rank  int // insertion-order index, for stable tie-breaks
	}
	for _, m := range candidateModels {
		r.lazyInit(m)
	}
	rankOf := make(map[ModelId]int, len(r.order))
	for i, m := range r.order {
		rankOf[m] = i
	}
	scores := make([]scored, 0, len(candidateModels))
	for _, m := range candidateModels {
		a := r.arms[m]
		theta := matVec(a.AInv, a.B)
		mean := dot(theta, context)
		u := math.Sqrt(math.Max(0, quadForm(a.AInv, context)))
		raw := mean + r.cfg.Alpha*u

		bias := 0.0
		if r.latency != nil && r.cfg.ReferenceLatency > 0 {
			p95 := r.latency.P95(m)
			latNorm := math.Min(1, p95/r.cfg.ReferenceLatency)
			bias = r.cfg.LatencyBiasScale * latNorm
		}
		scores = append(scores, scored{model: m, score: raw - bias, rank: rankOf[m]})
	}
	r.mu.Unlock()

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].rank < scores[j].rank
	})

	out := make([]ModelId, len(scores))
	for i, s := range scores {
		out[i] = s.model
	}
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}

// BulkUpdate applies one round of Sherman-Morrison updates, one per entry in
// rewards, then persists state via store (if non-nil). winner, if non-empty,
// is credited with a win for win-rate tracking (typically the judge's
// top-ranked model for the race).
func (r *LinUCBRouter) BulkUpdate(context ContextVector, rewards map[ModelId]float64, winner ModelId, store RouterStateStore) error {
	if context.Dim() != r.dim {
		panic("router: context dimension mismatch")
	}

	r.mu.Lock()
	for model, reward := range rewards {
		a := r.lazyInit(model)
		v := matVec(a.AInv, context)
		s := 1 + dot(context, v)
		if s <= 0 {
			r.logger.Warn("linucb numerical anomaly, skipping update",
				slog.String("model", model), slog.Float64("s", s))
			a.Trials++
			r.arms[model] = a
			continue
		}
		a.AInv = subtractOuterOverS(a.AInv, v, s)
		for i := range a.B {
			a.B[i] += reward * context[i]
		}
		a.Trials++
		if model == winner {
			a.Wins++
		}
		r.arms[model] = a
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if store == nil {
		return nil
	}
	return store.Save(snapshot)
}

// Decay inflates uncertainty and forgets stale evidence: A_inv *= 1/factor,
// b *= factor. factor must be in (0, 1].
func (r *LinUCBRouter) Decay(factor float64) {
	if factor <= 0 || factor > 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for model, a := range r.arms {
		scaled := cloneArmState(a)
		for i := range scaled.AInv {
			for j := range scaled.AInv[i] {
				scaled.AInv[i][j] /= factor
			}
		}
		for i := range scaled.B {
			scaled.B[i] *= factor
		}
		r.arms[model] = scaled
	}
}

// Prune deactivates (removes) arms whose trial count is below minTrials and
// whose win rate is below minWinRate — both conditions must fail for the arm
// to be pruned.
func (r *LinUCBRouter) Prune(minTrials int, minWinRate float64) []ModelId {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []ModelId
	for _, model := range r.order {
		a, ok := r.arms[model]
		if !ok {
			continue
		}
		winRate := 0.0
		if a.Trials > 0 {
			winRate = float64(a.Wins) / float64(a.Trials)
		}
		if a.Trials < minTrials && winRate < minWinRate {
			delete(r.arms, model)
			pruned = append(pruned, model)
		}
	}
	if len(pruned) > 0 {
		newOrder := r.order[:0:0]
		for _, m := range r.order {
			if _, ok := r.arms[m]; ok {
				newOrder = append(newOrder, m)
			}
		}
		r.order = newOrder
	}
	return pruned
}

// Save persists the router's current state via store.
func (r *LinUCBRouter) Save(store RouterStateStore) error {
	r.mu.Lock()
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	return store.Save(snapshot)
}

// Load restores router state from store. If no compatible state exists
// (version or dimension mismatch, or nothing persisted), the router keeps
// its current (cold) state.
func (r *LinUCBRouter) Load(store RouterStateStore) error {
	state, ok, err := store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if state.Dim != r.dim {
		r.logger.Warn("router state dimension mismatch, discarding",
			slog.Int("stored_dim", state.Dim), slog.Int("configured_dim", r.dim))
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arms = make(map[ModelId]ArmState, len(state.Arms))
	r.order = r.order[:0]
	for model, a := range state.Arms {
		r.arms[model] = cloneArmState(a)
		r.order = append(r.order, model)
	}
	sort.Strings(r.order) // deterministic order for a freshly loaded state
	return nil
}

// Snapshot returns a deep copy of the router's current state, for operator
// inspection (e.g. racewayctl state show).
func (r *LinUCBRouter) Snapshot() RouterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *LinUCBRouter) snapshotLocked() RouterState {
	arms := make(map[ModelId]ArmState, len(r.arms))
	for k, v := range r.arms {
		arms[k] = cloneArmState(v)
	}
	return RouterState{
		Version: StateSchemaVersion,
		Dim:     r.dim,
		Arms:    arms,
	}
}

// --- small linear algebra helpers (d is small, <= ~40; no library needed) ---

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		var sum float64
		for j, x := range row {
			sum += x * v[j]
		}
		out[i] = sum
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// quadForm computes x^T * M * x.
func quadForm(m [][]float64, x []float64) float64 {
	return dot(x, matVec(m, x))
}

// subtractOuterOverS returns aInv - (v * v^T) / s, the Sherman-Morrison
// rank-one downdate.
func subtractOuterOverS(aInv [][]float64, v []float64, s float64) [][]float64 {
	d := len(aInv)
	out := make([][]float64, d)
	for i := 0; i < d; i++ {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			row[j] = aInv[i][j] - (v[i]*v[j])/s
		}
		out[i] = row
	}
	return out
}
