package answer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CitedDoc is a retrieved document as the LLM saw it: position in the
// slice is the number the LLM was told to cite.
type CitedDoc struct {
	DocumentID string
	Link       string
}

// recentCitationWindow: how many non-citation characters clear the
// repeat-suppression set.
const recentCitationWindow = 5

var (
	// citeRe matches [1], [1,2] and pre-formatted [[1]].
	citeRe = regexp.MustCompile(`\[\[(\d+)\]\]|\[(\d+(?:\s*,\s*\d+)*)\]`)
	// partialCiteRe matches a bracket sequence still growing at the tail.
	partialCiteRe = regexp.MustCompile(`\[+[\d,\s]*$`)
	// partialLinkRe matches a markdown link still growing at the tail;
	// complete links need no rewriting and flow through untouched.
	partialLinkRe = regexp.MustCompile(`\[[^\]]*$|\[[^\]]*\]\([^)]*$`)
)

// CitationProcessor is a stateful token transformer: it rewrites LLM
// citation markers into display-numbered links and emits CitationInfo for
// each first-time citation. Text without citation patterns passes through
// unchanged (modulo the code-fence language tag).
type CitationProcessor struct {
	docs []CitedDoc
	// displayOrder maps document id → the rank the user sees. May differ
	// from LLM-visible order.
	displayOrder map[string]int

	llmOut  string
	segment string

	// recent suppresses immediate repeats of the same doc.
	recent     map[int]bool
	lastCiteAt int
	emitted    map[int]bool
}

// NewCitationProcessor creates the processor. displayOrder may be nil, in
// which case LLM order is the display order.
func NewCitationProcessor(docs []CitedDoc, displayOrder map[string]int) *CitationProcessor {
	return &CitationProcessor{
		docs:         docs,
		displayOrder: displayOrder,
		recent:       map[int]bool{},
		emitted:      map[int]bool{},
	}
}

// ProcessToken consumes one streamed token and returns the events it
// releases. Partial patterns at the buffer tail are held back until they
// complete or are disproven.
func (p *CitationProcessor) ProcessToken(token string) []Event {
	p.segment += token
	p.llmOut += token

	// Inject a language tag on bare opening code fences so downstream
	// renderers don't treat following text as the language.
	if strings.Contains(p.segment, "```") && !strings.HasSuffix(p.segment, "`") {
		if idx := strings.Index(p.segment, "```"); idx+3 < len(p.segment) {
			if p.segment[idx+3] == '\n' && inCodeBlock(p.llmOut) {
				p.segment = strings.Replace(p.segment, "```", "```plaintext", 1)
			}
		}
	}

	// Clear repeat suppression once enough non-citation text has flowed.
	if !citeRe.MatchString(p.segment) && len(p.llmOut)-p.lastCiteAt > recentCitationWindow {
		p.recent = map[int]bool{}
	}

	// Hold the buffer while a citation or link may still be forming.
	if (partialCiteRe.MatchString(p.segment) || partialLinkRe.MatchString(p.segment)) && !inCodeBlock(p.llmOut) {
		return nil
	}

	var events []Event
	var out strings.Builder

	if citeRe.MatchString(p.segment) && !inCodeBlock(p.llmOut) {
		rewritten, citationEvents := p.rewriteSegment(p.segment)
		events = append(events, citationEvents...)
		out.WriteString(rewritten)
		p.segment = ""
	} else {
		out.WriteString(p.segment)
		p.segment = ""
	}

	if out.Len() > 0 {
		events = append(events, AnswerPiece{Text: out.String()})
	}
	return events
}

// Flush releases whatever is still held at end of stream.
func (p *CitationProcessor) Flush() []Event {
	if p.segment == "" {
		return nil
	}
	text := p.segment
	p.segment = ""
	return []Event{AnswerPiece{Text: text}}
}

// rewriteSegment replaces every complete citation group in the segment.
func (p *CitationProcessor) rewriteSegment(segment string) (string, []Event) {
	var events []Event
	rewritten := citeRe.ReplaceAllStringFunc(segment, func(match string) string {
		numbers := parseCitationNumbers(match)
		var parts []string
		for _, n := range numbers {
			if n < 1 || n > len(p.docs) {
				// Invalid index: leave the marker as the LLM wrote it.
				parts = append(parts, fmt.Sprintf("[%d]", n))
				continue
			}
			doc := p.docs[n-1]
			displayed := p.displayedNumber(n, doc)

			if p.recent[n] {
				// Immediate repeat of the same doc: drop the marker.
				continue
			}
			p.recent[n] = true
			p.lastCiteAt = len(p.llmOut)

			if !p.emitted[displayed] {
				p.emitted[displayed] = true
				events = append(events, CitationInfo{
					CitationNum: displayed,
					DocumentID:  doc.DocumentID,
				})
			}
			parts = append(parts, fmt.Sprintf("[[%d]](%s)", displayed, doc.Link))
		}
		return strings.Join(parts, "")
	})
	return rewritten, events
}

func (p *CitationProcessor) displayedNumber(llmNum int, doc CitedDoc) int {
	if p.displayOrder != nil {
		if displayed, ok := p.displayOrder[doc.DocumentID]; ok {
			return displayed
		}
	}
	return llmNum
}

// parseCitationNumbers extracts the numbers from "[1]", "[1, 2]" or
// "[[1]]".
func parseCitationNumbers(match string) []int {
	inner := strings.Trim(match, "[]")
	var out []int
	for _, part := range strings.Split(inner, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func inCodeBlock(text string) bool {
	return strings.Count(text, "```")%2 != 0
}
