package retrieval

import (
	"context"
	"fmt"
)

// Retrieval quality levels assigned by the CRAG evaluator.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Corrective actions the evaluator can recommend.
const (
	ActionNone     = "none"
	ActionDropTail = "drop_low_confidence"
	ActionRequery  = "requery"
)

// Evaluation thresholds over normalized RRF scores.
const (
	cragExcellentTop = 0.80
	cragGoodTop      = 0.60
	cragFairTop      = 0.35
	cragTailCutoff   = 0.25
	cragHeadSize     = 5
)

// CRAGEvaluation is the evaluator's verdict on a fused result list.
type CRAGEvaluation struct {
	QualityLevel          string  `json:"quality_level"`
	ConfidenceScore       float64 `json:"confidence_score"`
	CorrectiveAction      string  `json:"corrective_action"`
	Reasoning             string  `json:"reasoning"`
	ShouldApplyCorrection bool    `json:"should_apply_correction"`
}

// ImprovementMetrics reports what a correction changed.
type ImprovementMetrics struct {
	Action              string  `json:"action"`
	OriginalCount       int     `json:"original_count"`
	CorrectedCount      int     `json:"corrected_count"`
	OriginalConfidence  float64 `json:"original_confidence"`
	CorrectedConfidence float64 `json:"corrected_confidence"`
	Requeried           bool    `json:"requeried"`
}

// Reformulator rewrites a query for the corrective re-query action. The
// default identity reformulator turns re-query into a pass-through.
type Reformulator interface {
	Reformulate(query string) string
}

// IdentityReformulator returns the query unchanged.
type IdentityReformulator struct{}

func (IdentityReformulator) Reformulate(query string) string { return query }

// RequeryFunc re-runs retrieval with a corrected query. The coordinator
// supplies one bound to the in-flight request's filters.
type RequeryFunc func(ctx context.Context, query string) ([]*SearchResult, error)

// CRAGEvaluator scores retrieval quality and applies corrective actions
// when confidence is low. Correction is idempotent: correcting an
// already-corrected list changes nothing.
type CRAGEvaluator struct {
	k            int
	denseWeight  float64
	sparseWeight float64
	reformulator Reformulator
}

// NewCRAGEvaluator builds an evaluator for the fusion parameters in
// effect. A nil reformulator defaults to identity.
func NewCRAGEvaluator(k int, denseWeight, sparseWeight float64, reformulator Reformulator) *CRAGEvaluator {
	if k <= 0 {
		k = DefaultRRFK
	}
	if denseWeight <= 0 && sparseWeight <= 0 {
		denseWeight, sparseWeight = DefaultDenseWeight, DefaultSparseWeight
	}
	if reformulator == nil {
		reformulator = IdentityReformulator{}
	}
	return &CRAGEvaluator{k: k, denseWeight: denseWeight, sparseWeight: sparseWeight, reformulator: reformulator}
}

// Evaluate grades a fused result list by the absolute level and spread
// of its top scores.
func (e *CRAGEvaluator) Evaluate(results []*SearchResult) *CRAGEvaluation {
	if len(results) == 0 {
		return &CRAGEvaluation{
			QualityLevel:          QualityPoor,
			CorrectiveAction:      ActionRequery,
			Reasoning:             "retrieval returned no results",
			ShouldApplyCorrection: true,
		}
	}

	top, mean := e.headStats(results)
	confidence := 0.7*top + 0.3*mean

	eval := &CRAGEvaluation{ConfidenceScore: confidence}
	switch {
	case top >= cragExcellentTop:
		eval.QualityLevel = QualityExcellent
		eval.CorrectiveAction = ActionNone
		eval.Reasoning = fmt.Sprintf("top score %.2f indicates a strong match", top)
	case top >= cragGoodTop:
		eval.QualityLevel = QualityGood
		eval.CorrectiveAction = ActionNone
		eval.Reasoning = fmt.Sprintf("top score %.2f is solid; no correction needed", top)
	case top >= cragFairTop:
		eval.QualityLevel = QualityFair
		eval.CorrectiveAction = ActionDropTail
		eval.ShouldApplyCorrection = e.hasTail(results)
		eval.Reasoning = fmt.Sprintf("top score %.2f is marginal; trimming low-confidence tail", top)
	default:
		eval.QualityLevel = QualityPoor
		eval.CorrectiveAction = ActionRequery
		eval.ShouldApplyCorrection = true
		eval.Reasoning = fmt.Sprintf("top score %.2f suggests the query missed the corpus vocabulary", top)
	}
	return eval
}

// Correct applies the evaluation's corrective action. requery may be
// nil, in which case the re-query action degrades to pass-through.
func (e *CRAGEvaluator) Correct(ctx context.Context, query string, results []*SearchResult, eval *CRAGEvaluation, requery RequeryFunc) ([]*SearchResult, *ImprovementMetrics, error) {
	metrics := &ImprovementMetrics{
		Action:             eval.CorrectiveAction,
		OriginalCount:      len(results),
		OriginalConfidence: eval.ConfidenceScore,
	}

	if !eval.ShouldApplyCorrection || eval.CorrectiveAction == ActionNone {
		metrics.Action = ActionNone
		metrics.CorrectedCount = len(results)
		metrics.CorrectedConfidence = eval.ConfidenceScore
		return results, metrics, nil
	}

	corrected := results
	switch eval.CorrectiveAction {
	case ActionDropTail:
		corrected = e.dropTail(results)

	case ActionRequery:
		reformulated := e.reformulator.Reformulate(query)
		if requery == nil || reformulated == query {
			// Nothing to re-query with; keep what we have.
			break
		}
		requeried, err := requery(ctx, reformulated)
		if err != nil {
			return nil, metrics, fmt.Errorf("corrective requery: %w", err)
		}
		metrics.Requeried = true
		// Keep whichever list the evaluator likes better.
		if e.Evaluate(requeried).ConfidenceScore > eval.ConfidenceScore {
			corrected = requeried
		}
	}

	metrics.CorrectedCount = len(corrected)
	metrics.CorrectedConfidence = e.Evaluate(corrected).ConfidenceScore
	return corrected, metrics, nil
}

// dropTail removes results whose normalized score falls below the
// absolute cutoff. The cutoff does not move with the list, which is
// what makes a second pass a no-op.
func (e *CRAGEvaluator) dropTail(results []*SearchResult) []*SearchResult {
	ceiling := rrfCeiling(e.k, e.denseWeight, e.sparseWeight)
	kept := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		if r.RRFScore/ceiling >= cragTailCutoff {
			kept = append(kept, r)
		}
	}
	// Never correct a list into nothing; a weak answer beats none.
	if len(kept) == 0 && len(results) > 0 {
		return results[:1]
	}
	return kept
}

func (e *CRAGEvaluator) hasTail(results []*SearchResult) bool {
	ceiling := rrfCeiling(e.k, e.denseWeight, e.sparseWeight)
	for _, r := range results {
		if r.RRFScore/ceiling < cragTailCutoff {
			return true
		}
	}
	return false
}

// headStats returns the normalized top score and head mean.
func (e *CRAGEvaluator) headStats(results []*SearchResult) (top, mean float64) {
	ceiling := rrfCeiling(e.k, e.denseWeight, e.sparseWeight)
	head := len(results)
	if head > cragHeadSize {
		head = cragHeadSize
	}
	for i := 0; i < head; i++ {
		s := results[i].RRFScore / ceiling
		if s > top {
			top = s
		}
		mean += s
	}
	mean /= float64(head)
	return top, mean
}
