package answer

import (
	"strings"
	"testing"
)

func runProcessor(t *testing.T, docs []CitedDoc, displayOrder map[string]int, tokens []string) (string, []CitationInfo) {
	t.Helper()
	p := NewCitationProcessor(docs, displayOrder)
	var text strings.Builder
	var infos []CitationInfo
	consume := func(events []Event) {
		for _, ev := range events {
			switch e := ev.(type) {
			case AnswerPiece:
				text.WriteString(e.Text)
			case CitationInfo:
				infos = append(infos, e)
			}
		}
	}
	for _, tok := range tokens {
		consume(p.ProcessToken(tok))
	}
	consume(p.Flush())
	return text.String(), infos
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func TestCitation_RewriteScenario(t *testing.T) {
	docs := []CitedDoc{
		{DocumentID: "A", Link: "http://a"},
		{DocumentID: "B", Link: ""},
	}
	input := "See [1] and [2,2] and [5]."

	for name, tokens := range map[string][]string{
		"single token": {input},
		"char by char": chars(input),
		"odd splits":   {"See [1", "] and [2", ",2] an", "d [5]."},
	} {
		t.Run(name, func(t *testing.T) {
			text, infos := runProcessor(t, docs, nil, tokens)
			want := "See [[1]](http://a) and [[2]]() and [5]."
			if text != want {
				t.Errorf("text = %q, want %q", text, want)
			}
			if len(infos) != 2 {
				t.Fatalf("citation events = %d, want 2", len(infos))
			}
			if infos[0].DocumentID != "A" || infos[0].CitationNum != 1 {
				t.Errorf("infos[0] = %+v", infos[0])
			}
			if infos[1].DocumentID != "B" || infos[1].CitationNum != 2 {
				t.Errorf("infos[1] = %+v", infos[1])
			}
		})
	}
}

func TestCitation_DisplayOrderMapping(t *testing.T) {
	docs := []CitedDoc{
		{DocumentID: "A", Link: "http://a"},
		{DocumentID: "B", Link: "http://b"},
	}
	// The user sees B first, A second — opposite of LLM order.
	displayOrder := map[string]int{"B": 1, "A": 2}

	text, infos := runProcessor(t, docs, displayOrder, []string{"Cite [1] then [2]."})
	if !strings.Contains(text, "[[2]](http://a)") {
		t.Errorf("LLM [1] should display as 2: %q", text)
	}
	if !strings.Contains(text, "[[1]](http://b)") {
		t.Errorf("LLM [2] should display as 1: %q", text)
	}
	if len(infos) != 2 || infos[0].CitationNum != 2 || infos[1].CitationNum != 1 {
		t.Errorf("infos = %+v", infos)
	}
}

func TestCitation_PassthroughExactWhenNoCitations(t *testing.T) {
	input := "Plain text, with [brackets](http://link.example) and math a[i] = 3."
	// a[i] is not a citation (no digits-only group... actually [i] has no
	// digits, so it passes through).
	text, infos := runProcessor(t, nil, nil, chars(input))
	if text != input {
		t.Errorf("text = %q, want input unchanged", text)
	}
	if len(infos) != 0 {
		t.Errorf("infos = %d, want 0", len(infos))
	}
}

func TestCitation_NotRewrittenInCodeBlocks(t *testing.T) {
	docs := []CitedDoc{{DocumentID: "A", Link: "http://a"}}
	text, infos := runProcessor(t, docs, nil, []string{
		"```\n", "x = arr[1]\n", "```", " but [1] outside.",
	})

	if !strings.Contains(text, "x = arr[1]") {
		t.Errorf("code block citation rewritten: %q", text)
	}
	if !strings.Contains(text, "[[1]](http://a)") {
		t.Errorf("citation outside code block not rewritten: %q", text)
	}
	if len(infos) != 1 {
		t.Errorf("infos = %d, want 1", len(infos))
	}
}

func TestCitation_PreformattedDoubleBracket(t *testing.T) {
	docs := []CitedDoc{{DocumentID: "A", Link: "http://a"}}
	text, infos := runProcessor(t, docs, nil, []string{"As shown in [[1]]."})
	if !strings.Contains(text, "[[1]](http://a)") {
		t.Errorf("text = %q", text)
	}
	if len(infos) != 1 {
		t.Errorf("infos = %d, want 1", len(infos))
	}
}

func TestCitation_RepeatSuppressionClearsAfterProse(t *testing.T) {
	docs := []CitedDoc{{DocumentID: "A", Link: "http://a"}}
	input := "First [1] and then much more prose follows here [1]."
	text, infos := runProcessor(t, docs, nil, chars(input))

	if strings.Count(text, "[[1]](http://a)") != 2 {
		t.Errorf("second citation after prose must be rewritten: %q", text)
	}
	// Still only one info event for the doc.
	if len(infos) != 1 {
		t.Errorf("infos = %d, want 1", len(infos))
	}
}

func TestCitation_MarkdownLinkNotSplitAcrossChunks(t *testing.T) {
	input := "Read [the guide](https://docs.example/guide) for details."
	text, _ := runProcessor(t, nil, nil, []string{"Read [the gui", "de](https://docs.ex", "ample/guide) for details."})
	if text != input {
		t.Errorf("text = %q, want %q", text, input)
	}
}

func TestCitation_HeldPartialReleasedOnFlush(t *testing.T) {
	text, _ := runProcessor(t, nil, nil, []string{"Trailing bracket ["})
	if text != "Trailing bracket [" {
		t.Errorf("text = %q", text)
	}
}
