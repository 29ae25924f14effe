package router

// RewardPolicy composes a scalar reward in [0,1] from judge quality,
// latency, and cost signals.
type RewardPolicy interface {
	Compose(input RewardInput) float64
}

// RewardInput bundles the per-model signals a RewardPolicy needs.
type RewardInput struct {
	Quality         float64 // judge overall score in [0,1]
	LatencySeconds  float64
	QueryLength     int // chars, used to scale reference latency
	TokensConsumed  int
	WasFallback     bool
}

// RewardWeights are the QualityLatencyCostPolicy blend weights. They must
// satisfy WQ+WL+WC <= 1 and each in [0,1].
type RewardWeights struct {
	WQ float64
	WL float64
	WC float64
}

// DefaultRewardWeights returns the spec's default blend: quality-dominant,
// cost ignored by default.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{WQ: 0.8, WL: 0.2, WC: 0.0}
}

// QualityLatencyCostPolicy is the default RewardPolicy: a convex-ish blend
// of quality, latency, and cost, penalized for fallback attempts.
type QualityLatencyCostPolicy struct {
	Weights          RewardWeights
	FallbackPenalty  float64
	LengthThreshold  float64 // chars, same normalization basis as FeatureExtractor
	PricePerToken    float64 // default 1.0, i.e. tokens are the cost proxy
	ReferenceCostTokens float64 // tokens; cost_norm = clip(cost/referenceCost, 0, 1)
}

// DefaultQualityLatencyCostPolicy returns a policy configured with spec
// defaults.
func DefaultQualityLatencyCostPolicy(lengthThreshold float64) *QualityLatencyCostPolicy {
	return &QualityLatencyCostPolicy{
		Weights:             DefaultRewardWeights(),
		FallbackPenalty:     0.1,
		LengthThreshold:     lengthThreshold,
		PricePerToken:       1.0,
		ReferenceCostTokens: 4000,
	}
}

// referenceLatency scales with query length: longer queries tolerate higher
// latency, using the same length_threshold as the feature extractor.
func (p *QualityLatencyCostPolicy) referenceLatency(queryLength int) float64 {
	const baseLatency = 5.0 // seconds, reference for a query at length_threshold
	scale := clip(float64(queryLength)/p.LengthThreshold, 0.25, 2.0)
	return baseLatency * scale
}

// Compose implements RewardPolicy. The result strictly increases with
// Quality and strictly decreases with LatencySeconds and TokensConsumed, at
// fixed other inputs and non-zero weights.
func (p *QualityLatencyCostPolicy) Compose(in RewardInput) float64 {
	refLatency := p.referenceLatency(in.QueryLength)
	latNorm := clip(in.LatencySeconds/refLatency, 0, 1)
	latency := 1 - latNorm

	cost := float64(in.TokensConsumed) * p.PricePerToken
	costNorm := clip(cost/p.ReferenceCostTokens, 0, 1)
	costScore := 1 - costNorm

	reward := p.Weights.WQ*clip(in.Quality, 0, 1) + p.Weights.WL*latency + p.Weights.WC*costScore
	if in.WasFallback {
		reward -= p.FallbackPenalty
	}
	return clip(reward, 0, 1)
}

// TokenBucketLabel classifies a token count into a coarse bucket: small
// (< 1000), medium (< 10000), or large.
func TokenBucketLabel(tokens int) string {
	switch {
	case tokens < 1000:
		return "small"
	case tokens < 10000:
		return "medium"
	default:
		return "large"
	}
}
