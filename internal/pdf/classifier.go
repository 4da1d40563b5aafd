package pdf

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DocumentType labels the detected kind of PDF.
type DocumentType string

const (
	TypeAcademicPaper   DocumentType = "academic_paper"
	TypeTechnicalManual DocumentType = "technical_manual"
	TypeTextbook        DocumentType = "textbook"
	TypeBusinessReport  DocumentType = "business_report"
	TypeBook            DocumentType = "book"
	TypeScannedDocument DocumentType = "scanned_document"
	TypePresentation    DocumentType = "presentation"
	TypeMixedContent    DocumentType = "mixed_content"
	TypeUnknown         DocumentType = "unknown"
)

// Extractor tool names, ordered into recommendation lists per type.
const (
	ToolLayout = "layout"
	ToolFast   = "fast"
	ToolOCR    = "ocr"
)

// maxSamplePages bounds how many leading pages feed feature extraction.
const maxSamplePages = 10

// Features holds the signals computed from a sampled document.
type Features struct {
	PageCount       int     `json:"page_count"`
	SampledPages    int     `json:"sampled_pages"`
	TotalChars      int     `json:"total_chars"`
	AvgCharsPerPage float64 `json:"avg_chars_per_page"`
	ImageCount      int     `json:"image_count"`
	ImageDensity    float64 `json:"image_density"`
	TableCount      int     `json:"table_count"`
	FormulaCount    int     `json:"formula_count"`
	CitationCount   int     `json:"citation_count"`
	HasAbstract     bool    `json:"has_abstract"`
	HasReferences   bool    `json:"has_references"`
	HasTOC          bool    `json:"has_toc"`
	HasCodePatterns bool    `json:"has_code_patterns"`
	IsScanned       bool    `json:"is_scanned"`
}

// Classification is the classifier verdict with its evidence.
type Classification struct {
	Type       DocumentType             `json:"document_type"`
	Confidence float64                  `json:"confidence"`
	Scores     map[DocumentType]float64 `json:"scores"`
	Reasoning  string                   `json:"reasoning"`
	Features   Features                 `json:"features"`
	Extractors []string                 `json:"recommended_extractors"`
}

var (
	citationBracketRe = regexp.MustCompile(`\[\d{1,3}\]`)
	citationYearRe    = regexp.MustCompile(`\((?:19|20)\d{2}\)`)
	formulaAssignRe   = regexp.MustCompile(`[A-Za-zα-ω]\s*=\s*[A-Za-z0-9α-ω(]`)
	codeLineRe        = regexp.MustCompile(`^\s*(func |def |class |import |#include|var |const |return |if \(|for \()`)
)

const mathSymbols = "∑∫√±≤≥≠≈∂∇×÷"

// ComputeFeatures samples up to the first ten pages of a document.
func ComputeFeatures(src Source) Features {
	f := Features{
		PageCount: src.NumPage(),
		HasTOC:    src.HasOutline(),
	}

	sample := f.PageCount
	if sample > maxSamplePages {
		sample = maxSamplePages
	}
	f.SampledPages = sample

	var firstPage string
	for i := 0; i < sample; i++ {
		text, err := src.Text(i)
		if err != nil {
			continue
		}
		if i == 0 {
			firstPage = text
		}
		f.TotalChars += len(text)
		f.ImageCount += src.ImageCount(i)
		f.TableCount += countTableLines(text)
		f.FormulaCount += countFormulas(text)
		f.CitationCount += countCitations(text)
		if !f.HasCodePatterns {
			f.HasCodePatterns = hasCodePatterns(text)
		}
	}

	if sample > 0 {
		f.AvgCharsPerPage = float64(f.TotalChars) / float64(sample)
		f.ImageDensity = float64(f.ImageCount) / float64(sample)
	}

	f.HasAbstract = containsKeyword(firstPage, "abstract")

	// References live on the trailing pages, which the leading sample may
	// not reach; read the actual last two pages.
	for i := f.PageCount - 2; i < f.PageCount; i++ {
		if i < 0 {
			continue
		}
		text, err := src.Text(i)
		if err != nil {
			continue
		}
		if containsKeyword(text, "references") || containsKeyword(text, "bibliography") {
			f.HasReferences = true
			break
		}
	}

	f.IsScanned = f.AvgCharsPerPage < 50 && f.ImageDensity > 1
	return f
}

// Classify scores every document type and picks the argmax. A top score
// below 0.3 degrades to mixed_content when tables or formulas were seen,
// and unknown otherwise.
func Classify(f Features) Classification {
	if f.SampledPages == 0 {
		return Classification{
			Type:       TypeUnknown,
			Scores:     map[DocumentType]float64{},
			Reasoning:  "document has no pages to sample",
			Features:   f,
			Extractors: recommendedExtractors(TypeUnknown),
		}
	}

	scores := map[DocumentType]float64{
		TypeAcademicPaper:   scoreAcademic(f),
		TypeTechnicalManual: scoreTechnical(f),
		TypeTextbook:        scoreTextbook(f),
		TypeBusinessReport:  scoreBusiness(f),
		TypeBook:            scoreBook(f),
		TypeScannedDocument: scoreScanned(f),
		TypePresentation:    scorePresentation(f),
	}

	best := TypeUnknown
	bestScore := 0.0
	for _, dt := range scoreOrder {
		if s := scores[dt]; s > bestScore {
			best = dt
			bestScore = s
		}
	}

	if bestScore < 0.3 {
		fallback := TypeUnknown
		if f.TableCount > 0 || f.FormulaCount > 0 {
			fallback = TypeMixedContent
		}
		return Classification{
			Type:       fallback,
			Confidence: bestScore,
			Scores:     scores,
			Reasoning:  fmt.Sprintf("no type scored above 0.3 (best %s at %.2f)", best, bestScore),
			Features:   f,
			Extractors: recommendedExtractors(fallback),
		}
	}

	return Classification{
		Type:       best,
		Confidence: bestScore,
		Scores:     scores,
		Reasoning:  reasoningFor(best, f, bestScore),
		Features:   f,
		Extractors: recommendedExtractors(best),
	}
}

// ClassifyDocument computes features and classifies in one call.
func ClassifyDocument(src Source) Classification {
	return Classify(ComputeFeatures(src))
}

// scoreOrder makes argmax deterministic on ties.
var scoreOrder = []DocumentType{
	TypeScannedDocument,
	TypeAcademicPaper,
	TypeTechnicalManual,
	TypeTextbook,
	TypeBusinessReport,
	TypeBook,
	TypePresentation,
}

func scoreAcademic(f Features) float64 {
	s := 0.0
	if f.HasAbstract {
		s += 0.3
	}
	if f.HasReferences {
		s += 0.3
	}
	s += clamp(float64(f.CitationCount)*0.02, 0, 0.2)
	if f.FormulaCount >= 2 {
		s += 0.1
	}
	if f.HasTOC {
		s += 0.05
	}
	if f.AvgCharsPerPage > 2000 {
		s += 0.05
	}
	return clamp(s, 0, 1)
}

func scoreTechnical(f Features) float64 {
	s := 0.0
	if f.HasCodePatterns {
		s += 0.4
	}
	s += clamp(float64(f.TableCount)*0.05, 0, 0.2)
	if f.HasTOC {
		s += 0.15
	}
	s += clamp(float64(f.FormulaCount)*0.05, 0, 0.15)
	if f.AvgCharsPerPage >= 1000 && f.AvgCharsPerPage <= 4000 {
		s += 0.1
	}
	return clamp(s, 0, 1)
}

func scoreTextbook(f Features) float64 {
	s := 0.0
	if f.HasTOC {
		s += 0.3
	}
	if f.PageCount > 100 {
		s += 0.25
	}
	s += clamp(float64(f.FormulaCount)*0.04, 0, 0.2)
	if f.HasReferences {
		s += 0.15
	}
	s += clamp(float64(f.TableCount)*0.02, 0, 0.1)
	return clamp(s, 0, 1)
}

func scoreBusiness(f Features) float64 {
	s := clamp(float64(f.TableCount)*0.1, 0, 0.35)
	if f.AvgCharsPerPage > 0 && f.AvgCharsPerPage < 1500 {
		s += 0.2
	}
	if f.CitationCount == 0 {
		s += 0.15
	}
	if f.FormulaCount == 0 {
		s += 0.1
	}
	if f.PageCount > 0 && f.PageCount <= 30 {
		s += 0.2
	}
	return clamp(s, 0, 1)
}

func scoreBook(f Features) float64 {
	s := 0.0
	if f.PageCount > 150 {
		s += 0.3
	}
	if f.HasTOC {
		s += 0.2
	}
	if f.AvgCharsPerPage > 1500 {
		s += 0.2
	}
	if f.ImageDensity < 0.2 {
		s += 0.15
	}
	if f.TableCount == 0 {
		s += 0.15
	}
	return clamp(s, 0, 1)
}

func scoreScanned(f Features) float64 {
	s := 0.0
	if f.IsScanned {
		s += 0.7
	}
	if f.AvgCharsPerPage < 50 {
		s += 0.2
	}
	if f.ImageDensity >= 1 {
		s += 0.1
	}
	return clamp(s, 0, 1)
}

func scorePresentation(f Features) float64 {
	s := 0.0
	if f.AvgCharsPerPage > 0 && f.AvgCharsPerPage < 800 {
		s += 0.3
	}
	if f.ImageDensity > 0.5 {
		s += 0.25
	}
	if f.PageCount > 0 && f.PageCount < 60 {
		s += 0.2
	}
	if f.CitationCount == 0 {
		s += 0.15
	}
	if f.FormulaCount == 0 {
		s += 0.1
	}
	return clamp(s, 0, 1)
}

// recommendedExtractors orders tools by fit for the detected type.
func recommendedExtractors(dt DocumentType) []string {
	switch dt {
	case TypeScannedDocument:
		return []string{ToolOCR, ToolLayout}
	case TypeBook:
		return []string{ToolFast, ToolLayout}
	case TypeMixedContent:
		return []string{ToolLayout, ToolFast, ToolOCR}
	case TypeUnknown:
		return []string{ToolFast, ToolLayout, ToolOCR}
	default:
		return []string{ToolLayout, ToolFast}
	}
}

func reasoningFor(dt DocumentType, f Features, score float64) string {
	var signals []string
	switch dt {
	case TypeAcademicPaper:
		if f.HasAbstract {
			signals = append(signals, "abstract present")
		}
		if f.HasReferences {
			signals = append(signals, "references section")
		}
		if f.CitationCount > 0 {
			signals = append(signals, fmt.Sprintf("%d citations", f.CitationCount))
		}
		if f.FormulaCount > 0 {
			signals = append(signals, fmt.Sprintf("%d formulas", f.FormulaCount))
		}
	case TypeScannedDocument:
		signals = append(signals, fmt.Sprintf("%.0f chars/page", f.AvgCharsPerPage),
			fmt.Sprintf("image density %.1f", f.ImageDensity))
	case TypeTechnicalManual:
		if f.HasCodePatterns {
			signals = append(signals, "code listings")
		}
		if f.TableCount > 0 {
			signals = append(signals, fmt.Sprintf("%d table lines", f.TableCount))
		}
	default:
		signals = append(signals, fmt.Sprintf("%d pages", f.PageCount),
			fmt.Sprintf("%.0f chars/page", f.AvgCharsPerPage))
	}
	sort.Strings(signals)
	return fmt.Sprintf("classified as %s (%.2f): %s", dt, score, strings.Join(signals, ", "))
}

func countTableLines(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.Count(line, "|") >= 2 || strings.Contains(line, "\t\t") {
			count++
		}
	}
	return count
}

func countFormulas(text string) int {
	count := formulaAssignRe.FindAllStringIndex(text, -1)
	symbols := 0
	for _, r := range text {
		if strings.ContainsRune(mathSymbols, r) {
			symbols++
		}
	}
	return len(count) + symbols
}

func countCitations(text string) int {
	return len(citationBracketRe.FindAllString(text, -1)) +
		len(citationYearRe.FindAllString(text, -1))
}

func hasCodePatterns(text string) bool {
	matches := 0
	for _, line := range strings.Split(text, "\n") {
		if codeLineRe.MatchString(line) {
			matches++
			if matches >= 3 {
				return true
			}
		}
	}
	return false
}

func containsKeyword(text, keyword string) bool {
	return strings.Contains(strings.ToLower(text), keyword)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
