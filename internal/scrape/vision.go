package scrape

import (
	"net/url"
	"strings"
	"sync"

	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// Keywords whose presence in the task prompt means the user wants
// visual analysis. English and Polish. Kept to stems that do not hide
// inside common words.
var visionKeywords = []string{
	"screenshot", "zrzut ekranu", "image", "obraz", "zdjęci", "photo",
	"picture", "visual", "wizualn", "diagram", "chart", "wykres",
	"infographic", "infografi", "layout", "wygląd", "grafika",
	"schemat", "appearance",
}

// Path markers of content pages worth a screenshot. Listing and index
// pages are not.
var contentPathMarkers = []string{
	"article", "artykul", "post", "blog", "news", "doc", "guide",
	"tutorial", "wiki", "story", "review", "paper", "entry",
	"aktualnosci", "poradnik",
}

// Pages with at least this many visual elements may exceed the quota.
const minVisualOverride = 3

// RequiresVision reports whether the prompt asks for visual analysis.
// Classified once per task, not per page.
func RequiresVision(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, kw := range visionKeywords {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// VisionGate decides, page by page, whether a screenshot should be
// captured and kept. A soft quota keeps captures to a fraction of all
// visited pages unless a page is plainly visual.
type VisionGate struct {
	required  bool
	quota     float64
	tolerance float64
	logger    *observability.Logger

	mu         sync.Mutex
	total      int
	withVision int
}

// NewVisionGate classifies the task prompt and prepares the quota
// accounting. Non-positive quota and tolerance fall back to 0.30 and
// 0.05.
func NewVisionGate(prompt string, quota, tolerance float64, logger *observability.Logger) *VisionGate {
	if quota <= 0 {
		quota = 0.30
	}
	if tolerance <= 0 {
		tolerance = 0.05
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &VisionGate{
		required:  RequiresVision(prompt),
		quota:     quota,
		tolerance: tolerance,
		logger:    logger.WithComponent("scrape.vision"),
	}
}

// Required reports the once-per-task classification.
func (g *VisionGate) Required() bool { return g.required }

// ShouldCapture is the pre-fetch decision: capture only when the task
// needs vision and the URL looks like a content page.
func (g *VisionGate) ShouldCapture(rawURL string) bool {
	if !g.required {
		return false
	}
	return isContentPage(rawURL)
}

// Record validates the capture decision after the fetch and enforces
// the quota. Call it once per visited page, captured or not. The
// return value reports whether the screenshot was kept; over-quota
// captures are stripped from the result unless the page has at least
// minVisualOverride visual elements.
func (g *VisionGate) Record(res *Result) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.total++
	if res == nil || len(res.Screenshot) == 0 {
		return false
	}
	if res.VisualElementCount == 0 {
		g.logger.Warn().Str("url", res.URL).Msg("vision false positive: screenshot of a page without visual elements")
	}

	if res.VisualElementCount < minVisualOverride {
		// Integer allowance self-regulates to the quota as the run
		// grows; the floor of one keeps short runs usable.
		allowed := int((g.quota + g.tolerance) * float64(g.total))
		if allowed < 1 {
			allowed = 1
		}
		if g.withVision+1 > allowed {
			res.Screenshot = nil
			g.logger.Debug().Str("url", res.URL).Int("with_vision", g.withVision).Int("total", g.total).Msg("vision quota reached, dropping screenshot")
			return false
		}
	}

	g.withVision++
	return true
}

// Stats returns pages kept with vision and total pages seen.
func (g *VisionGate) Stats() (withVision, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.withVision, g.total
}

func isContentPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, marker := range contentPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}
