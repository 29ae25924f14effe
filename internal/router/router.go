package router

// StateSchemaVersion is the current RouterState schema version. Loaders
// that encounter any other version treat the blob as absent rather than
// attempting to interpret it.
const StateSchemaVersion = 1

// Router selects and learns from an ordering over candidate models for a
// given query context. BaselineRouter and LinUCBRouter both implement it.
type Router interface {
	// Select returns candidateModels reordered by the router's policy. If
	// topK > 0 the result is truncated to that many entries.
	Select(context ContextVector, candidateModels []ModelId, topK int) []ModelId

	// BulkUpdate applies one round of learning from the outcome of a race:
	// one reward per model that participated, plus which model (if any) was
	// the judge's top pick for this race.
	BulkUpdate(context ContextVector, rewards map[ModelId]float64, winner ModelId, store RouterStateStore) error
}

// BaselineRouter returns candidates in the order supplied; BulkUpdate is a
// no-op. It is used as a control for A/B validation, selected by
// RACEWAY_STRATEGY=baseline. Nothing switches to it automatically when
// bandit state is missing or fails to load; the LinUCB router starts cold
// instead.
type BaselineRouter struct{}

// NewBaselineRouter constructs a BaselineRouter.
func NewBaselineRouter() *BaselineRouter { return &BaselineRouter{} }

// Select returns candidateModels unchanged (truncated to topK if positive).
func (b *BaselineRouter) Select(_ ContextVector, candidateModels []ModelId, topK int) []ModelId {
	out := append([]ModelId(nil), candidateModels...)
	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}
	return out
}

// BulkUpdate does nothing: BaselineRouter does not learn.
func (b *BaselineRouter) BulkUpdate(_ ContextVector, _ map[ModelId]float64, _ ModelId, _ RouterStateStore) error {
	return nil
}
