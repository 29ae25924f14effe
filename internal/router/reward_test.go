package router

import "testing"

func TestQualityLatencyCostPolicy_IncreasesWithQuality(t *testing.T) {
	p := DefaultQualityLatencyCostPolicy(2000)
	low := p.Compose(RewardInput{Quality: 0.2, LatencySeconds: 2, QueryLength: 2000, TokensConsumed: 500})
	high := p.Compose(RewardInput{Quality: 0.9, LatencySeconds: 2, QueryLength: 2000, TokensConsumed: 500})
	if high <= low {
		t.Fatalf("Compose() with higher Quality should yield a higher reward: low=%f high=%f", low, high)
	}
}

func TestQualityLatencyCostPolicy_DecreasesWithLatency(t *testing.T) {
	p := DefaultQualityLatencyCostPolicy(2000)
	fast := p.Compose(RewardInput{Quality: 0.8, LatencySeconds: 1, QueryLength: 2000, TokensConsumed: 500})
	slow := p.Compose(RewardInput{Quality: 0.8, LatencySeconds: 9, QueryLength: 2000, TokensConsumed: 500})
	if slow >= fast {
		t.Fatalf("Compose() with higher latency should yield a lower reward: fast=%f slow=%f", fast, slow)
	}
}

func TestQualityLatencyCostPolicy_DecreasesWithTokenCostWhenWeighted(t *testing.T) {
	p := DefaultQualityLatencyCostPolicy(2000)
	p.Weights = RewardWeights{WQ: 0.5, WL: 0, WC: 0.5}
	cheap := p.Compose(RewardInput{Quality: 0.8, TokensConsumed: 100})
	expensive := p.Compose(RewardInput{Quality: 0.8, TokensConsumed: 8000})
	if expensive >= cheap {
		t.Fatalf("Compose() with a cost weight should penalize higher token counts: cheap=%f expensive=%f", cheap, expensive)
	}
}

func TestQualityLatencyCostPolicy_FallbackPenaltyReducesReward(t *testing.T) {
	p := DefaultQualityLatencyCostPolicy(2000)
	in := RewardInput{Quality: 0.8, LatencySeconds: 2, QueryLength: 2000, TokensConsumed: 500}
	direct := p.Compose(in)
	in.WasFallback = true
	fallback := p.Compose(in)
	if want := direct - p.FallbackPenalty; fallback != want {
		t.Fatalf("Compose() with WasFallback=true = %f, want %f", fallback, want)
	}
}

func TestQualityLatencyCostPolicy_ClippedToUnitInterval(t *testing.T) {
	p := DefaultQualityLatencyCostPolicy(2000)
	p.FallbackPenalty = 5 // deliberately oversized to force the clip
	reward := p.Compose(RewardInput{Quality: 0, LatencySeconds: 100, QueryLength: 2000, WasFallback: true})
	if reward < 0 || reward > 1 {
		t.Fatalf("Compose() = %f, want clipped to [0,1]", reward)
	}
}

func TestTokenBucketLabel(t *testing.T) {
	tests := []struct {
		tokens int
		want   string
	}{
		{100, "small"},
		{999, "small"},
		{1000, "medium"},
		{9999, "medium"},
		{10000, "large"},
		{50000, "large"},
	}
	for _, tt := range tests {
		if got := TokenBucketLabel(tt.tokens); got != tt.want {
			t.Errorf("TokenBucketLabel(%d) = %q, want %q", tt.tokens, got, tt.want)
		}
	}
}
