package pdf

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAllExtractorsFailed wraps the reasons when every extractor gives up.
var ErrAllExtractorsFailed = errors.New("all extractors failed")

// Extraction is the output of a successful text extraction. Text joins
// pages with form feeds so downstream chunking stays page aware.
type Extraction struct {
	Text      string
	PageCount int
	Tool      string
}

// Extractor turns a PDF path into text. Implementations must treat internal
// failures as errors so the waterfall can move on to the next tool.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, path string) (*Extraction, error)
}

// Waterfall tries extractors in order and returns the first result with
// non-empty text and a page count. All-fail surfaces every reason.
func Waterfall(ctx context.Context, path string, extractors []Extractor) (*Extraction, error) {
	if len(extractors) == 0 {
		return nil, fmt.Errorf("%w: no extractors configured", ErrAllExtractorsFailed)
	}

	var reasons []string
	for _, ex := range extractors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := ex.Extract(ctx, path)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", ex.Name(), err))
			continue
		}
		if result == nil || strings.TrimSpace(result.Text) == "" || result.PageCount == 0 {
			reasons = append(reasons, fmt.Sprintf("%s: produced no text", ex.Name()))
			continue
		}

		result.Tool = ex.Name()
		return result, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrAllExtractorsFailed, strings.Join(reasons, "; "))
}

// SelectExtractors maps recommended tool names onto the registered
// extractors, preserving the recommendation order and skipping tools that
// are not available (e.g. OCR without a vision model).
func SelectExtractors(names []string, available []Extractor) []Extractor {
	byName := make(map[string]Extractor, len(available))
	for _, ex := range available {
		byName[ex.Name()] = ex
	}

	var selected []Extractor
	for _, name := range names {
		if ex, ok := byName[name]; ok {
			selected = append(selected, ex)
		}
	}
	// Recommendations never exclude a working tool entirely; anything not
	// recommended still runs last.
	for _, ex := range available {
		if !containsName(names, ex.Name()) {
			selected = append(selected, ex)
		}
	}
	return selected
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// FastExtractor pulls plain page text straight out of MuPDF.
type FastExtractor struct{}

// NewFastExtractor creates the plain-text extractor.
func NewFastExtractor() *FastExtractor { return &FastExtractor{} }

// Name returns the tool name.
func (e *FastExtractor) Name() string { return ToolFast }

// Extract reads each page's text and joins pages with form feeds.
func (e *FastExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	src, err := OpenFitz(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return extractPages(ctx, src, func(text string) string { return text })
}

// LayoutExtractor post-processes page text with block heuristics: wrapped
// lines are rejoined into paragraphs, hyphenation at line ends is repaired,
// and heading-like lines keep their own block.
type LayoutExtractor struct{}

// NewLayoutExtractor creates the layout-aware extractor.
func NewLayoutExtractor() *LayoutExtractor { return &LayoutExtractor{} }

// Name returns the tool name.
func (e *LayoutExtractor) Name() string { return ToolLayout }

// Extract reads each page's text and reflows it into paragraphs.
func (e *LayoutExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	src, err := OpenFitz(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	return extractPages(ctx, src, ReflowBlocks)
}

func extractPages(ctx context.Context, src *FitzSource, transform func(string) string) (*Extraction, error) {
	pageCount := src.NumPage()
	if pageCount == 0 {
		return nil, errors.New("document has no pages")
	}

	pages := make([]string, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := src.Text(i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, transform(text))
	}

	return &Extraction{
		Text:      strings.Join(pages, "\f"),
		PageCount: pageCount,
	}, nil
}

// ReflowBlocks joins hard-wrapped lines into paragraphs. Blank lines end a
// paragraph; short lines, heading-like lines and list items stand alone;
// a trailing hyphen joins directly to the next line.
func ReflowBlocks(text string) string {
	lines := strings.Split(text, "\n")
	var blocks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			blocks = append(blocks, current.String())
			current.Reset()
		}
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			flush()
			continue
		}
		if isStandaloneLine(line) {
			flush()
			blocks = append(blocks, line)
			continue
		}

		if current.Len() == 0 {
			current.WriteString(line)
			continue
		}

		joined := current.String()
		if strings.HasSuffix(joined, "-") {
			// Repair end-of-line hyphenation.
			current.Reset()
			current.WriteString(strings.TrimSuffix(joined, "-"))
			current.WriteString(line)
		} else {
			current.WriteString(" ")
			current.WriteString(line)
		}
	}
	flush()

	return strings.Join(blocks, "\n\n")
}

// isStandaloneLine detects headings and list items that must not be merged
// into the surrounding paragraph.
func isStandaloneLine(line string) bool {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "• ") || strings.HasPrefix(line, "* ") {
		return true
	}
	if len(line) <= 60 {
		if line == strings.ToUpper(line) && strings.IndexFunc(line, isLetter) >= 0 {
			return true
		}
		if headingNumberRe.MatchString(line) {
			return true
		}
	}
	return false
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
