package pdf

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// VisionModel transcribes an image to text. The llm package provides the
// production implementation.
type VisionModel interface {
	TranscribeImage(ctx context.Context, jpegData []byte, prompt string) (string, error)
}

const ocrPrompt = `Transcribe all text visible in this document page. ` +
	`Preserve the reading order, headings and paragraph breaks. ` +
	`Output only the transcribed text with no commentary.`

// OCRExtractor renders pages to JPEG and transcribes them with a vision
// model. It is the extractor of last resort for scanned documents.
type OCRExtractor struct {
	vision  VisionModel
	quality int
}

// NewOCRExtractor creates the OCR extractor. A nil vision model yields an
// extractor that always fails, which the waterfall treats as "try next".
func NewOCRExtractor(vision VisionModel) *OCRExtractor {
	return &OCRExtractor{vision: vision, quality: 85}
}

// Name returns the tool name.
func (e *OCRExtractor) Name() string { return ToolOCR }

// Extract renders each page and transcribes it. A page whose transcription
// fails contributes an empty page rather than failing the document, unless
// every page fails.
func (e *OCRExtractor) Extract(ctx context.Context, path string) (*Extraction, error) {
	if e.vision == nil {
		return nil, errors.New("no vision model configured")
	}

	src, err := OpenFitz(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	pageCount := src.NumPage()
	if pageCount == 0 {
		return nil, errors.New("document has no pages")
	}

	pages := make([]string, 0, pageCount)
	transcribed := 0
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := e.transcribePage(ctx, src, i)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
		transcribed++
	}

	if transcribed == 0 {
		return nil, fmt.Errorf("vision transcription failed for all %d pages", pageCount)
	}

	return &Extraction{
		Text:      strings.Join(pages, "\f"),
		PageCount: pageCount,
	}, nil
}

func (e *OCRExtractor) transcribePage(ctx context.Context, src *FitzSource, pageNum int) (string, error) {
	jpegData, err := src.PageJPEG(pageNum, e.quality)
	if err != nil {
		return "", err
	}
	return e.vision.TranscribeImage(ctx, jpegData, ocrPrompt)
}
