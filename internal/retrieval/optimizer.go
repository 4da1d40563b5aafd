package retrieval

import "math"

// Confidence level tags attached to results by the optimizer.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Skip thresholds over normalized RRF scores. A clear winner (high top-1
// with a wide gap) or a uniformly confident head (very high top-1 with
// tight spread) makes the cross-encoder redundant.
// TODO: re-derive these from an evaluation set once one exists; current
// values were tuned by hand against the scenario fixtures.
const (
	optimizerSampleSize   = 5
	skipTopScore          = 0.75
	skipGap               = 0.35
	skipUniformTopScore   = 0.90
	skipUniformStdDev     = 0.05
	highConfidenceScore   = 0.70
	mediumConfidenceScore = 0.40
)

// SkipMetrics are the score-distribution measurements behind a skip
// decision. Scores are normalized against the best fused score a chunk
// could reach, so they are comparable across weight configurations.
type SkipMetrics struct {
	TopScore            float64 `json:"top_score"`
	Gap                 float64 `json:"gap"`
	StdDev              float64 `json:"std_dev"`
	HighConfidenceCount int     `json:"high_confidence_count"`
	SampleSize          int     `json:"sample_size"`
}

// SkipDecision is the optimizer's advisory verdict.
type SkipDecision struct {
	Skip            bool        `json:"skip"`
	ConfidenceLevel string      `json:"confidence_level"`
	Metrics         SkipMetrics `json:"metrics"`
}

// RerankOptimizer inspects a fused ranking and decides whether the
// cross-encoder stage would change anything worth its latency. The
// decision is advisory; the coordinator may force reranking.
type RerankOptimizer struct {
	k            int
	denseWeight  float64
	sparseWeight float64
}

// NewRerankOptimizer builds an optimizer for the fusion parameters in
// effect; it needs them to normalize RRF scores.
func NewRerankOptimizer(k int, denseWeight, sparseWeight float64) *RerankOptimizer {
	if k <= 0 {
		k = DefaultRRFK
	}
	if denseWeight <= 0 && sparseWeight <= 0 {
		denseWeight, sparseWeight = DefaultDenseWeight, DefaultSparseWeight
	}
	return &RerankOptimizer{k: k, denseWeight: denseWeight, sparseWeight: sparseWeight}
}

// Decide computes the distribution metrics over the fused head and
// returns whether reranking can be skipped. An empty candidate list
// skips trivially: there is nothing to rerank.
func (o *RerankOptimizer) Decide(fused []*SearchResult) SkipDecision {
	if len(fused) == 0 {
		return SkipDecision{Skip: true, ConfidenceLevel: ConfidenceLow}
	}

	ceiling := rrfCeiling(o.k, o.denseWeight, o.sparseWeight)
	sample := len(fused)
	if sample > optimizerSampleSize {
		sample = optimizerSampleSize
	}

	scores := make([]float64, sample)
	for i := 0; i < sample; i++ {
		scores[i] = fused[i].RRFScore / ceiling
	}

	metrics := SkipMetrics{
		TopScore:   scores[0],
		SampleSize: sample,
	}
	if sample > 1 {
		metrics.Gap = scores[0] - scores[1]
	} else {
		// A lone result has no competition to lose against.
		metrics.Gap = scores[0]
	}
	metrics.StdDev = stddev(scores)
	for _, s := range scores {
		if s >= highConfidenceScore {
			metrics.HighConfidenceCount++
		}
	}

	clearWinner := metrics.TopScore >= skipTopScore && metrics.Gap >= skipGap
	uniformHead := metrics.TopScore >= skipUniformTopScore && metrics.StdDev <= skipUniformStdDev

	return SkipDecision{
		Skip:            clearWinner || uniformHead,
		ConfidenceLevel: confidenceLevel(metrics, clearWinner || uniformHead),
		Metrics:         metrics,
	}
}

func confidenceLevel(m SkipMetrics, skip bool) string {
	switch {
	case skip:
		return ConfidenceHigh
	case m.TopScore >= mediumConfidenceScore:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}
