package router

import (
	"math"
	"math/rand"
	"strings"
	"sync"
)

// EmbeddingProvider is the narrow external collaborator a FeatureExtractor
// consults for optional embedding slots. Failures are non-fatal: the
// extractor treats them as zero vectors and the caller can inspect LastErr
// for telemetry.
type EmbeddingProvider interface {
	Embed(text string) ([]float64, error)
}

// FeatureExtractorConfig controls normalization thresholds and the optional
// embedding projection.
type FeatureExtractorConfig struct {
	LengthThreshold float64 // chars, default 2000
	WordThreshold   float64 // words, default 400
	EmbedDim        int     // k, projected embedding slots; 0 disables embeddings
	ProjectionSeed  int64   // seed for the fixed random projection matrix
}

// DefaultFeatureExtractorConfig returns the spec's default thresholds with
// embeddings disabled.
func DefaultFeatureExtractorConfig() FeatureExtractorConfig {
	return FeatureExtractorConfig{
		LengthThreshold: 2000,
		WordThreshold:   400,
		EmbedDim:        0,
		ProjectionSeed:  42,
	}
}

// FeatureExtractor maps a Query to a fixed-dimension ContextVector. It is
// safe for concurrent use.
type FeatureExtractor struct {
	cfg        FeatureExtractorConfig
	embed      EmbeddingProvider
	projection [][]float64 // k x embedDim, fixed at construction

	mu          sync.Mutex
	embedMean   []float64 // rolling mean per projected slot
	embedM2     []float64 // rolling sum-of-squares-of-deviation (Welford)
	embedCount  int
	lastEmbeddingErr error
}

// NewFeatureExtractor builds an extractor with dimension 3+k (or 3 if
// embeddings are disabled). provider may be nil when EmbedDim is 0.
func NewFeatureExtractor(cfg FeatureExtractorConfig, provider EmbeddingProvider) *FeatureExtractor {
	fe := &FeatureExtractor{cfg: cfg, embed: provider}
	if cfg.EmbedDim > 0 {
		fe.embedMean = make([]float64, cfg.EmbedDim)
		fe.embedM2 = make([]float64, cfg.EmbedDim)
	}
	return fe
}

// Dim returns the extractor's configured output dimension, 3+k.
func (fe *FeatureExtractor) Dim() int {
	if fe.cfg.EmbedDim > 0 {
		return 3 + fe.cfg.EmbedDim
	}
	return 3
}

// Compute returns a ContextVector of length Dim() for the given query. It
// never fails: embedding-backend errors degrade to zero slots.
func (fe *FeatureExtractor) Compute(q Query) ContextVector {
	d := fe.Dim()
	v := make(ContextVector, d)
	v[0] = 1.0
	v[1] = clip(float64(len(q.Text))/fe.cfg.LengthThreshold, 0, 2)
	v[2] = clip(float64(wordCount(q.Text))/fe.cfg.WordThreshold, 0, 2)

	if fe.cfg.EmbedDim == 0 {
		return v
	}

	raw, err := fe.embedAndProject(q.Text)
	fe.mu.Lock()
	fe.lastEmbeddingErr = err
	fe.mu.Unlock()
	if err != nil {
		return v // slots 3..d already zero-valued
	}
	normed := fe.zscoreNormalize(raw)
	copy(v[3:], normed)
	return v
}

// LastEmbeddingErr returns the error (if any) from the most recent
// embedding lookup, for telemetry; nil means the last lookup succeeded or
// embeddings are disabled.
func (fe *FeatureExtractor) LastEmbeddingErr() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastEmbeddingErr
}

// embedAndProject fetches an embedding and projects it to k dimensions via
// a fixed, seeded random matrix so results are reproducible across runs.
func (fe *FeatureExtractor) embedAndProject(text string) ([]float64, error) {
	vec, err := fe.embed.Embed(text)
	if err != nil {
		return nil, err
	}
	if fe.projection == nil {
		fe.projection = buildProjectionMatrix(fe.cfg.ProjectionSeed, len(vec), fe.cfg.EmbedDim)
	}
	out := make([]float64, fe.cfg.EmbedDim)
	for j := 0; j < fe.cfg.EmbedDim; j++ {
		var sum float64
		for i, x := range vec {
			if i < len(fe.projection[j]) {
				sum += x * fe.projection[j][i]
			}
		}
		out[j] = sum
	}
	return out, nil
}

// zscoreNormalize updates rolling mean/variance (Welford's algorithm) per
// slot and returns the z-scored values.
func (fe *FeatureExtractor) zscoreNormalize(raw []float64) []float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.embedCount++
	n := float64(fe.embedCount)
	out := make([]float64, len(raw))
	for i, x := range raw {
		delta := x - fe.embedMean[i]
		fe.embedMean[i] += delta / n
		delta2 := x - fe.embedMean[i]
		fe.embedM2[i] += delta * delta2

		variance := 0.0
		if fe.embedCount > 1 {
			variance = fe.embedM2[i] / (n - 1)
		}
		stddev := math.Sqrt(variance)
		if stddev < 1e-9 {
			out[i] = 0
			continue
		}
		out[i] = (x - fe.embedMean[i]) / stddev
	}
	return out
}

// buildProjectionMatrix returns a k x inputDim matrix of N(0,1) samples
// drawn from a seeded generator, so the same seed always yields the same
// projection.
func buildProjectionMatrix(seed int64, inputDim, k int) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	m := make([][]float64, k)
	for i := range m {
		row := make([]float64, inputDim)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		m[i] = row
	}
	return m
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
