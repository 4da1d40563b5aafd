// Package pdf classifies PDF documents and extracts their text, table of
// contents, tables and formulas through ordered extractor waterfalls.
package pdf

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// Source gives the classifier and extractors page-level access to a
// document. The production implementation wraps go-fitz; tests use fakes.
type Source interface {
	NumPage() int
	Text(pageNum int) (string, error)
	ImageCount(pageNum int) int
	HasOutline() bool
	Close() error
}

// FitzSource reads pages through MuPDF.
type FitzSource struct {
	doc *fitz.Document
}

// OpenFitz opens a PDF for page access.
func OpenFitz(path string) (*FitzSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &FitzSource{doc: doc}, nil
}

// NumPage returns the total page count.
func (s *FitzSource) NumPage() int {
	return s.doc.NumPage()
}

// Text returns the plain text of a 0-based page.
func (s *FitzSource) Text(pageNum int) (string, error) {
	return s.doc.Text(pageNum)
}

// ImageCount counts raster images on a 0-based page. MuPDF has no direct
// image enumeration through go-fitz, so the page is rendered to SVG and the
// embedded <image> elements are counted.
func (s *FitzSource) ImageCount(pageNum int) int {
	svg, err := s.doc.SVG(pageNum)
	if err != nil {
		return 0
	}
	return strings.Count(svg, "<image")
}

// HasOutline reports whether the document carries a navigation outline.
func (s *FitzSource) HasOutline() bool {
	toc, err := s.doc.ToC()
	return err == nil && len(toc) > 0
}

// Outline returns the raw document outline entries.
func (s *FitzSource) Outline() ([]fitz.Outline, error) {
	return s.doc.ToC()
}

// PageJPEG renders a 0-based page to JPEG bytes for vision transcription.
func (s *FitzSource) PageJPEG(pageNum int, quality int) ([]byte, error) {
	img, err := s.doc.Image(pageNum)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageNum+1, err)
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", pageNum+1, err)
	}
	return buf.Bytes(), nil
}

// Close releases the underlying document.
func (s *FitzSource) Close() error {
	if s.doc == nil {
		return nil
	}
	err := s.doc.Close()
	s.doc = nil
	return err
}
