package retrieval

// RRF constants. The rank constant dampens the influence of list
// position; 60 is the value from the original RRF paper.
const (
	DefaultRRFK         = 60
	DefaultDenseWeight  = 0.6
	DefaultSparseWeight = 0.4
)

// FuseRRF merges a dense and a sparse ranking with weighted reciprocal
// rank fusion. Each list contributes weight/(k+rank+1) per result, with
// rank counted from zero; a chunk absent from a list contributes
// nothing for it. Raw fused scores are kept as-is so downstream stages
// can reason about the theoretical maximum.
func FuseRRF(dense, sparse []*SearchResult, k int, denseWeight, sparseWeight float64) []*SearchResult {
	if k <= 0 {
		k = DefaultRRFK
	}

	fused := make(map[int64]*SearchResult, len(dense)+len(sparse))
	order := make([]int64, 0, len(dense)+len(sparse))

	for rank, res := range dense {
		entry := cloneResult(res)
		entry.Source = SourceDense
		entry.RRFScore = denseWeight / float64(k+rank+1)
		fused[res.ChunkID] = entry
		order = append(order, res.ChunkID)
	}
	for rank, res := range sparse {
		contribution := sparseWeight / float64(k+rank+1)
		if entry, ok := fused[res.ChunkID]; ok {
			entry.RRFScore += contribution
			entry.Source = SourceHybrid
			entry.SparseScore = res.SparseScore
			continue
		}
		entry := cloneResult(res)
		entry.Source = SourceSparse
		entry.RRFScore = contribution
		fused[res.ChunkID] = entry
		order = append(order, res.ChunkID)
	}

	results := make([]*SearchResult, 0, len(order))
	for _, id := range order {
		results = append(results, fused[id])
	}
	sortByScore(results, func(r *SearchResult) float64 { return r.RRFScore })
	return results
}

// rrfCeiling is the best fused score a chunk can reach: rank zero in
// both lists. Stages that judge result quality normalize against it.
func rrfCeiling(k int, denseWeight, sparseWeight float64) float64 {
	if k <= 0 {
		k = DefaultRRFK
	}
	return (denseWeight + sparseWeight) / float64(k+1)
}

func cloneResult(res *SearchResult) *SearchResult {
	clone := *res
	return &clone
}
