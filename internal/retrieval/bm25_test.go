package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetic-labs/knowledge-core/internal/storage"
)

func indexableChunks(projectID int64, texts ...string) []storage.IndexableChunk {
	chunks := make([]storage.IndexableChunk, len(texts))
	for i, text := range texts {
		chunks[i] = storage.IndexableChunk{
			ChunkID:   int64(i + 1),
			ProjectID: projectID,
			Text:      text,
		}
	}
	return chunks
}

func TestSparseIndex_Search_RanksByRelevance(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(1, indexableChunks(1,
		"the quick brown fox jumps over the lazy dog",
		"lazy dog sleeps all day",
		"completely unrelated text about databases",
	))

	hits := idx.Search(1, "quick fox", 10, 0)

	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSparseIndex_Search_RareTermsScoreHigher(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(1, indexableChunks(1,
		"postgres tuning guide",
		"postgres postgres postgres postgres everywhere",
		"redis tuning guide",
	))

	// The rare term outweighs term-frequency spam of the common one.
	hits := idx.Search(1, "postgres redis", 10, 0)

	require.Len(t, hits, 3)
	assert.Equal(t, int64(3), hits[0].ChunkID)
}

func TestSparseIndex_Search_UninitializedReturnsEmpty(t *testing.T) {
	idx := NewSparseIndex()

	assert.False(t, idx.Ready())
	assert.Empty(t, idx.Search(1, "anything", 10, 0))
}

func TestSparseIndex_Search_UnknownProjectReturnsEmpty(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(1, indexableChunks(1, "some text"))

	assert.Empty(t, idx.Search(99, "some text", 10, 0))
}

func TestSparseIndex_Search_RespectsLimitAndMinScore(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(1, indexableChunks(1,
		"alpha beta gamma",
		"alpha beta",
		"alpha",
		"delta epsilon",
	))

	hits := idx.Search(1, "alpha", 2, 0)
	assert.Len(t, hits, 2)

	strict := idx.Search(1, "alpha", 10, 1e9)
	assert.Empty(t, strict)
}

func TestSparseIndex_Rebuild_ReplacesProjectShard(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(1, indexableChunks(1, "old content about cats"))

	require.NotEmpty(t, idx.Search(1, "cats", 10, 0))

	idx.Rebuild(1, []storage.IndexableChunk{
		{ChunkID: 42, ProjectID: 1, Text: "new content about dogs"},
	})

	assert.Empty(t, idx.Search(1, "cats", 10, 0))
	hits := idx.Search(1, "dogs", 10, 0)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(42), hits[0].ChunkID)
}

func TestSparseIndex_Rebuild_ProjectScopedLeavesOthersAlone(t *testing.T) {
	idx := NewSparseIndex()
	idx.Rebuild(0, append(
		indexableChunks(1, "project one text"),
		storage.IndexableChunk{ChunkID: 10, ProjectID: 2, Text: "project two text"},
	))

	idx.Rebuild(1, nil)

	assert.Empty(t, idx.Search(1, "project one text", 10, 0))
	assert.NotEmpty(t, idx.Search(2, "project two text", 10, 0))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"hello", "world", "42", "go1", "21"},
		tokenize("Hello, WORLD! 42 go1.21"))
	assert.Empty(t, tokenize("!!! ---"))
}
