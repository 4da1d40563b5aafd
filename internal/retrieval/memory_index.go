package retrieval

import (
	"math"
	"sort"
	"sync"

	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// VectorHit is one nearest-neighbor match from the in-memory index.
type VectorHit struct {
	ChunkID    int64
	Similarity float64
}

// MemoryVectorIndex is a process-local cosine index used when the
// database cannot run vector search itself (the SQLite dialect).
// Vectors are unit-normalized on insert so similarity reduces to a dot
// product.
type MemoryVectorIndex struct {
	mu      sync.RWMutex
	vectors map[int64]map[int64][]float32
}

func NewMemoryVectorIndex() *MemoryVectorIndex {
	return &MemoryVectorIndex{vectors: make(map[int64]map[int64][]float32)}
}

// Replace swaps the project's vectors with the given set.
func (m *MemoryVectorIndex) Replace(projectID int64, chunks []storage.EmbeddedChunk) {
	next := make(map[int64][]float32, len(chunks))
	for _, c := range chunks {
		next[c.ChunkID] = normalizeVector(c.Embedding)
	}
	m.mu.Lock()
	m.vectors[projectID] = next
	m.mu.Unlock()
}

// Upsert adds or replaces a single chunk vector.
func (m *MemoryVectorIndex) Upsert(projectID, chunkID int64, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj, ok := m.vectors[projectID]
	if !ok {
		proj = make(map[int64][]float32)
		m.vectors[projectID] = proj
	}
	proj[chunkID] = normalizeVector(vec)
}

// Delete removes chunk vectors, typically after a document is deleted.
func (m *MemoryVectorIndex) Delete(projectID int64, chunkIDs []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj, ok := m.vectors[projectID]
	if !ok {
		return
	}
	for _, id := range chunkIDs {
		delete(proj, id)
	}
}

// Len reports how many vectors the project holds.
func (m *MemoryVectorIndex) Len(projectID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors[projectID])
}

// Search returns the k most similar chunks at or above minSimilarity,
// ordered by descending cosine similarity.
func (m *MemoryVectorIndex) Search(projectID int64, query []float32, k int, minSimilarity float64) []VectorHit {
	q := normalizeVector(query)

	m.mu.RLock()
	defer m.mu.RUnlock()
	proj := m.vectors[projectID]

	hits := make([]VectorHit, 0, len(proj))
	for id, vec := range proj {
		if len(vec) != len(q) {
			continue
		}
		sim := dotProduct(q, vec)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, VectorHit{ChunkID: id, Similarity: sim})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func dotProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return dot
}

func normalizeVector(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
