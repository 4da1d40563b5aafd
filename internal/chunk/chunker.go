// Package chunk splits document text into overlapping, sentence-aware chunks.
package chunk

import (
	"strings"
	"unicode"
)

// Chunk size defaults, tuned for dense retrieval over prose.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	// boundaryWindow is how far back from a window end the chunker looks
	// for a sentence boundary before giving up and cutting mid-sentence.
	boundaryWindow = 100

	// PageSeparator splits page-aware documents; PDF extractors emit one
	// form feed between pages.
	PageSeparator = "\f"
)

// Chunk is one retrievable window of document text. Start and End are
// character offsets into the normalized source text (the page text for
// page-aware chunking). Before and After hold the full text of the
// physical neighbors in index order; empty means no neighbor.
type Chunk struct {
	Index  int
	Text   string
	Start  int
	End    int
	Page   int // 1-based page number; 0 when the source is not paged
	Before string
	After  string
}

// Chunker walks text with a sliding window, preferring sentence boundaries.
// It is stateless: the same input always produces the same chunks.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker with the given window size and overlap,
// falling back to defaults for non-positive values. An overlap that does
// not leave room for forward progress is clamped to half the size.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split chunks a whole document with no page awareness.
func (c *Chunker) Split(text string) []Chunk {
	normalized := Normalize(text)
	chunks := c.walk(normalized, 0)
	attachNeighbors(chunks)
	return chunks
}

// SplitPages chunks a paged document: the text is split on the page
// separator, each page is chunked independently, and every chunk carries
// its 1-based page number. Neighbor references still span page breaks
// because they reflect physical adjacency in index order.
func (c *Chunker) SplitPages(text string) []Chunk {
	var chunks []Chunk
	for i, page := range strings.Split(text, PageSeparator) {
		normalized := Normalize(page)
		if normalized == "" {
			continue
		}
		pageChunks := c.walk(normalized, i+1)
		for j := range pageChunks {
			pageChunks[j].Index = len(chunks) + j
		}
		chunks = append(chunks, pageChunks...)
	}
	attachNeighbors(chunks)
	return chunks
}

// walk emits the sliding-window chunks for one normalized text.
func (c *Chunker) walk(text string, page int) []Chunk {
	if text == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Text:  text[start:],
				Start: start,
				End:   len(text),
				Page:  page,
			})
			break
		}

		if boundary := findBoundary(text, start, end); boundary > start {
			end = boundary
		}

		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  text[start:end],
			Start: start,
			End:   end,
			Page:  page,
		})

		next := end - c.overlap
		if next <= start {
			// A boundary cut shrank the window below the overlap;
			// advance without overlap rather than loop forever.
			next = end
		}
		start = next
	}
	return chunks
}

// findBoundary searches backward within the boundary window for the latest
// sentence end (". " or newline) and returns the cut position after it,
// or -1 when the window has no boundary.
func findBoundary(text string, start, end int) int {
	from := end - boundaryWindow
	if from < start {
		from = start
	}
	window := text[from:end]

	cut := -1
	if idx := strings.LastIndex(window, ". "); idx >= 0 {
		cut = from + idx + 1 // keep the period, drop into the next window at the space
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 && from+idx+1 > cut {
		cut = from + idx + 1
	}
	return cut
}

func attachNeighbors(chunks []Chunk) {
	for i := range chunks {
		if i > 0 {
			chunks[i].Before = chunks[i-1].Text
		}
		if i < len(chunks)-1 {
			chunks[i].After = chunks[i+1].Text
		}
	}
}

// Normalize cleans raw extracted text: line breaks become \n, non-printable
// characters other than tab and newline are dropped, runs of spaces collapse
// to one, and runs of newlines cap at two.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var sb strings.Builder
	sb.Grow(len(text))
	spaces := 0
	newlines := 0
	for _, r := range text {
		switch {
		case r == '\n':
			newlines++
			spaces = 0
			if newlines <= 2 {
				sb.WriteRune(r)
			}
		case r == ' ':
			spaces++
			newlines = 0
			if spaces <= 1 {
				sb.WriteRune(r)
			}
		case r == '\t' || unicode.IsPrint(r):
			spaces = 0
			newlines = 0
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
