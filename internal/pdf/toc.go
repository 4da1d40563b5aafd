package pdf

import (
	"context"
	"regexp"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// TOCEntry is one node of the extracted table of contents. Level is
// 0-based; Page is 1-based (0 when the source gave no target page).
type TOCEntry struct {
	Title    string      `json:"title"`
	Level    int         `json:"level"`
	Page     int         `json:"page"`
	Children []*TOCEntry `json:"children,omitempty"`
}

var (
	headingNumberRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+\S`)
	chapterRe       = regexp.MustCompile(`(?i)^(chapter|part|section)\s+[0-9IVXLCDM]+`)
)

// outlineSource is satisfied by FitzSource; fakes in tests provide their own.
type outlineSource interface {
	Outline() ([]fitz.Outline, error)
}

// ExtractTOC runs the table-of-contents waterfall: the embedded document
// outline first, then a numbered-heading scan, then a structural scan for
// standalone caps lines. The first strategy yielding entries wins; an empty
// result is not an error.
func ExtractTOC(ctx context.Context, src Source) []*TOCEntry {
	if entries := outlineTOC(src); len(entries) > 0 {
		return entries
	}
	if entries := headingTOC(ctx, src); len(entries) > 0 {
		return entries
	}
	return structuralTOC(ctx, src)
}

func outlineTOC(src Source) []*TOCEntry {
	os, ok := src.(outlineSource)
	if !ok {
		return nil
	}
	outline, err := os.Outline()
	if err != nil || len(outline) == 0 {
		return nil
	}

	flat := make([]TOCEntry, 0, len(outline))
	for _, item := range outline {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		level := item.Level - 1 // fitz levels are 1-based
		if level < 0 {
			level = 0
		}
		page := item.Page + 1 // fitz page indexes are 0-based, -1 when unresolved
		if page < 1 {
			page = 0
		}
		flat = append(flat, TOCEntry{Title: title, Level: level, Page: page})
	}
	return BuildHierarchy(flat)
}

// headingTOC scans page text for numbered headings like "2.1 Design" or
// "Chapter 3"; the dot depth of the number gives the level.
func headingTOC(ctx context.Context, src Source) []*TOCEntry {
	var flat []TOCEntry
	for i := 0; i < src.NumPage(); i++ {
		if ctx.Err() != nil {
			return nil
		}
		text, err := src.Text(i)
		if err != nil {
			continue
		}
		for _, raw := range strings.Split(text, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" || len(line) > 120 {
				continue
			}
			if m := headingNumberRe.FindStringSubmatch(line); m != nil {
				flat = append(flat, TOCEntry{
					Title: line,
					Level: strings.Count(m[1], "."),
					Page:  i + 1,
				})
				continue
			}
			if chapterRe.MatchString(line) {
				flat = append(flat, TOCEntry{Title: line, Level: 0, Page: i + 1})
			}
		}
	}
	return BuildHierarchy(flat)
}

// structuralTOC is the last resort: standalone short all-caps lines are
// treated as top-level headings.
func structuralTOC(ctx context.Context, src Source) []*TOCEntry {
	var flat []TOCEntry
	for i := 0; i < src.NumPage(); i++ {
		if ctx.Err() != nil {
			return nil
		}
		text, err := src.Text(i)
		if err != nil {
			continue
		}
		for _, raw := range strings.Split(text, "\n") {
			line := strings.TrimSpace(raw)
			if len(line) < 4 || len(line) > 60 {
				continue
			}
			if line == strings.ToUpper(line) && strings.IndexFunc(line, isLetter) >= 0 {
				flat = append(flat, TOCEntry{Title: line, Level: 0, Page: i + 1})
			}
		}
	}
	return BuildHierarchy(flat)
}

// BuildHierarchy nests a flat, document-ordered entry list by level: each
// entry pops the stack to the first entry with a lower level and becomes
// its child, or a root when none remains.
func BuildHierarchy(flat []TOCEntry) []*TOCEntry {
	var roots []*TOCEntry
	var stack []*TOCEntry

	for _, e := range flat {
		node := &TOCEntry{Title: e.Title, Level: e.Level, Page: e.Page}
		for len(stack) > 0 && stack[len(stack)-1].Level >= node.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, node)
		} else {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
		}
		stack = append(stack, node)
	}
	return roots
}
