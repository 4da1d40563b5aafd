package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// BM25 parameters. k1 controls term-frequency saturation, b the
// document-length normalization.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// SparseHit is one BM25 match.
type SparseHit struct {
	ChunkID int64
	Score   float64
}

// posting records how often a token occurs in one chunk.
type posting struct {
	chunkID int64
	tf      int
}

// shard is the per-project inverted index.
type shard struct {
	postings  map[string][]posting
	docFreq   map[string]int
	docLen    map[int64]int
	avgDocLen float64
}

func buildShard(chunks []storage.IndexableChunk) *shard {
	s := &shard{
		postings: make(map[string][]posting),
		docFreq:  make(map[string]int),
		docLen:   make(map[int64]int),
	}
	total := 0
	for _, c := range chunks {
		tokens := tokenize(c.Text)
		s.docLen[c.ChunkID] = len(tokens)
		total += len(tokens)

		counts := make(map[string]int, len(tokens))
		for _, t := range tokens {
			counts[t]++
		}
		for t, tf := range counts {
			s.postings[t] = append(s.postings[t], posting{chunkID: c.ChunkID, tf: tf})
			s.docFreq[t]++
		}
	}
	if len(chunks) > 0 {
		s.avgDocLen = float64(total) / float64(len(chunks))
	}
	return s
}

// SparseIndex holds one BM25 shard per project. It is safe for
// concurrent use: queries take a read lock, rebuilds swap whole shards
// under the write lock.
type SparseIndex struct {
	mu     sync.RWMutex
	shards map[int64]*shard
	ready  bool
}

func NewSparseIndex() *SparseIndex {
	return &SparseIndex{shards: make(map[int64]*shard)}
}

// Rebuild replaces shards from the given chunks, grouping them by
// project. When projectID is zero the whole index is replaced;
// otherwise only that project's shard is swapped.
func (idx *SparseIndex) Rebuild(projectID int64, chunks []storage.IndexableChunk) {
	grouped := make(map[int64][]storage.IndexableChunk)
	for _, c := range chunks {
		grouped[c.ProjectID] = append(grouped[c.ProjectID], c)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if projectID == 0 {
		idx.shards = make(map[int64]*shard, len(grouped))
	} else if _, ok := grouped[projectID]; !ok {
		grouped[projectID] = nil
	}
	for pid, group := range grouped {
		idx.shards[pid] = buildShard(group)
	}
	idx.ready = true
}

// Ready reports whether the index was built at least once.
func (idx *SparseIndex) Ready() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Search scores the project's chunks against the query and returns the
// top hits. An index that was never built returns no hits rather than
// an error.
func (idx *SparseIndex) Search(projectID int64, query string, limit int, minScore float64) []SparseHit {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sh, ok := idx.shards[projectID]
	if !ok || len(sh.docLen) == 0 {
		return nil
	}

	n := float64(len(sh.docLen))
	scores := make(map[int64]float64)
	for _, t := range tokens {
		df := sh.docFreq[t]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range sh.postings[t] {
			tf := float64(p.tf)
			dl := float64(sh.docLen[p.chunkID])
			norm := tf + bm25K1*(1-bm25B+bm25B*dl/sh.avgDocLen)
			scores[p.chunkID] += idf * tf * (bm25K1 + 1) / norm
		}
	}

	hits := make([]SparseHit, 0, len(scores))
	for id, score := range scores {
		if score < minScore {
			continue
		}
		hits = append(hits, SparseHit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// tokenize lowercases the text and splits it on anything that is not a
// letter or digit.
func tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			continue
		}
		if sb.Len() > 0 {
			tokens = append(tokens, sb.String())
			sb.Reset()
		}
	}
	if sb.Len() > 0 {
		tokens = append(tokens, sb.String())
	}
	return tokens
}
