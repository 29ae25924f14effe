// Package router implements the contextual bandit that selects which LLM
// backend should answer a query, and the supporting substrate (feature
// extraction, reward policy, latency tracking, preview caching, and state
// persistence) that the bandit depends on.
package router

import "time"

// ModelId is an opaque stable identifier for one configured LLM backend.
type ModelId = string

// Query is an immutable request to race across candidate backends.
type Query struct {
	Text   string
	UserID string
	Intent string
	Risk   string
}

// ContextVector is a fixed-dimension real-valued feature vector. Its
// dimension is fixed at router construction time; every arm's matrices are
// sized to match it.
type ContextVector []float64

// Dim returns the vector's dimension.
func (c ContextVector) Dim() int { return len(c) }

// ArmState is the per-model bandit state: an inverse covariance matrix
// (A_inv, d*d, symmetric positive-definite), a response accumulator b
// (length d), and trial/win counters.
type ArmState struct {
	AInv   [][]float64
	B      []float64
	Trials int
	Wins   int
}

// cloneArmState deep-copies an ArmState so callers cannot mutate shared state
// through an aliased slice.
func cloneArmState(a ArmState) ArmState {
	aInv := make([][]float64, len(a.AInv))
	for i, row := range a.AInv {
		aInv[i] = append([]float64(nil), row...)
	}
	return ArmState{
		AInv:   aInv,
		B:      append([]float64(nil), a.B...),
		Trials: a.Trials,
		Wins:   a.Wins,
	}
}

// RouterState is the full persisted state of a LinUCB router: schema
// version, context dimension, and one ArmState per model.
type RouterState struct {
	Version      int
	Dim          int
	Arms         map[ModelId]ArmState
	CreatedAt    time.Time
	LastDecayAt  time.Time
}

// PreviewOutcome is the result of a short, internal-only generation used to
// rank candidate models before the full answer is attempted.
type PreviewOutcome struct {
	Model           ModelId
	Text            string
	TokensConsumed  int
	LatencySeconds  float64
	CacheHit        bool
	Err             error
}

// JudgeScores holds per-model sub-scores plus a total ranking over the
// models the judge was given.
type JudgeScores struct {
	Relevance    map[ModelId]float64
	Coverage     map[ModelId]float64
	Faithfulness map[ModelId]float64
	Overall      map[ModelId]float64
	Ranking      []ModelId
}

// FullStatus is the terminal status of a full-answer attempt.
type FullStatus string

const (
	FullStatusOK             FullStatus = "ok"
	FullStatusError          FullStatus = "error"
	FullStatusCancelled      FullStatus = "cancelled"
	FullStatusBudgetExceeded FullStatus = "budget_exceeded"
)

// FullOutcome is the result of a full-answer attempt against one model.
type FullOutcome struct {
	Model          ModelId
	TextStream     <-chan string
	TokensConsumed int
	LatencySeconds float64
	Status         FullStatus
	Err            error
}
