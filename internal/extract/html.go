package extract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// extractHTMLBytes strips markup and returns readable text. Script, style,
// and head subtrees are dropped entirely.
func extractHTMLBytes(data []byte) Result {
	result := emptyResult()
	text, title := HTMLToText(bytes.NewReader(data))
	result.Text = text
	if title != "" {
		result.Metadata["title"] = title
	}
	return result
}

// HTMLToText parses HTML and returns (text, title). Block-level elements
// produce newlines so paragraph structure survives for the chunker.
func HTMLToText(r *bytes.Reader) (string, string) {
	root, err := html.Parse(r)
	if err != nil {
		return "", ""
	}
	var sb strings.Builder
	title := ""

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "nav", "footer":
				if n.Data == "head" {
					// Still pull the title out of head before skipping it.
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && c.Data == "title" && c.FirstChild != nil {
							title = strings.TrimSpace(c.FirstChild.Data)
						}
					}
				}
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			sb.WriteString("\n")
		}
	}
	walk(root)

	return CollapseWhitespace(sb.String()), title
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "section", "article", "blockquote", "pre", "table":
		return true
	}
	return false
}

// CollapseWhitespace squeezes runs of spaces and blank lines while keeping
// single newlines as paragraph hints.
func CollapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.Join(strings.Fields(line), " ")
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
