package scrape

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const (
	mainContentMinChars = 200
	readabilityMinChars = 80
)

var (
	multiSpaceRe   = regexp.MustCompile(`[ \t]{2,}`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// skipElements never contribute text.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"template": true,
}

// boilerplateElements are stripped by the readability pass.
var boilerplateElements = map[string]bool{
	"nav":    true,
	"footer": true,
	"header": true,
	"aside":  true,
	"form":   true,
}

// visualElements count toward the vision gate's override threshold.
var visualElements = map[string]bool{
	"img":     true,
	"svg":     true,
	"video":   true,
	"canvas":  true,
	"picture": true,
	"figure":  true,
}

// id/class markers that usually wrap the article body.
var contentHints = []string{"main-content", "article-body", "post-content", "entry-content", "content"}

// pageContent is what the HTML walkers recover from one document.
type pageContent struct {
	Title          string
	Text           string
	Method         string
	Links          []string
	Images         []string
	VisualElements int
}

// parsePage extracts title, text, links and images from raw HTML. It
// prefers a semantic main-content container, falls back to the body
// with boilerplate stripped, and finally to the whole document.
func parsePage(src, base string) pageContent {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return pageContent{Method: MethodRaw, Text: strings.TrimSpace(src)}
	}

	pc := pageContent{Method: MethodRaw}
	pc.Title = findTitle(doc)
	pc.VisualElements = countVisualElements(doc)

	if main := findMainContent(doc); main != nil {
		if text := collapseWhitespace(textContent(main, true)); len(text) >= mainContentMinChars {
			pc.Text = text
			pc.Method = MethodMainContent
		}
	}
	if pc.Text == "" {
		if body := findElement(doc, "body"); body != nil {
			if text := collapseWhitespace(textContent(body, true)); len(text) >= readabilityMinChars {
				pc.Text = text
				pc.Method = MethodReadability
			}
		}
	}
	if pc.Text == "" {
		pc.Text = collapseWhitespace(textContent(doc, false))
		pc.Method = MethodRaw
	}

	baseURL, _ := url.Parse(base)
	pc.Links = collectRefs(doc, "a", "href", baseURL)
	pc.Images = collectRefs(doc, "img", "src", baseURL)
	return pc
}

// scoreQuality grades extracted content on length, title presence and
// how selective the extraction was. Scores land in [0, 1].
func scoreQuality(pc pageContent) float64 {
	var score float64
	switch n := len(pc.Text); {
	case n >= 2000:
		score += 0.5
	case n >= 500:
		score += 0.35
	case n >= 100:
		score += 0.2
	case n > 0:
		score += 0.1
	}
	if pc.Title != "" {
		score += 0.2
	}
	switch pc.Method {
	case MethodMainContent:
		score += 0.3
	case MethodReadability:
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}

func findTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

func findElement(doc *html.Node, name string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == name {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return found
}

// findMainContent locates the article container: <article> or <main>
// first, then a div/section whose id or class hints at content.
func findMainContent(doc *html.Node) *html.Node {
	if n := findElement(doc, "article"); n != nil {
		return n
	}
	if n := findElement(doc, "main"); n != nil {
		return n
	}

	var hinted *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if hinted != nil {
			return
		}
		if n.Type == html.ElementNode && (n.Data == "div" || n.Data == "section") {
			hint := strings.ToLower(attrValue(n, "id") + " " + attrValue(n, "class"))
			for _, marker := range contentHints {
				if strings.Contains(hint, marker) {
					hinted = n
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hinted
}

// textContent walks the subtree collecting text nodes. Script-like
// elements are always skipped; boilerplate containers only when
// stripBoilerplate is set.
func textContent(root *html.Node, stripBoilerplate bool) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		case html.ElementNode:
			if skipElements[n.Data] {
				return
			}
			if stripBoilerplate && boilerplateElements[n.Data] {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "li", "tr", "br", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteString("\n")
			}
		}
	}
	walk(root)
	return sb.String()
}

func countVisualElements(doc *html.Node) int {
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && visualElements[n.Data] {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return count
}

// collectRefs gathers the values of one attribute across all elements
// with the given tag, resolved against the base URL and deduplicated.
func collectRefs(doc *html.Node, tag, key string, base *url.URL) []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			if raw := attrValue(n, key); raw != "" && !strings.HasPrefix(raw, "#") {
				if resolved := resolveRef(base, raw); resolved != "" {
					if _, dup := seen[resolved]; !dup {
						seen[resolved] = struct{}{}
						out = append(out, resolved)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func resolveRef(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseWhitespace trims lines and squeezes runs of blanks the DOM
// walk leaves behind.
func collapseWhitespace(s string) string {
	s = multiSpaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
