// Package chunker splits documents into token-bounded chunks with the
// search settings' tokenizer and decorates them with the metadata the
// index needs (access, document sets, boost).
package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tesserahq/tessera-backend/internal/model"
)

// largeChunkRatio is how many normal chunks one large chunk aggregates
// for hierarchical retrieval.
const largeChunkRatio = 4

// Tokenizer counts tokens the way the embedding model does.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer wraps a tiktoken encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the named encoding (e.g. "cl100k_base").
func NewTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("chunker.NewTokenizer: %w", err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Chunker turns documents into chunks under a token budget.
type Chunker struct {
	tokenizer   Tokenizer
	maxTokens   int // model max minus safety buffer
	largeChunks bool
}

// New creates a Chunker. maxChunkTokens should already have the safety
// buffer subtracted (settings.MaxChunkTokens - cfg.ChunkTokenBuffer).
func New(tokenizer Tokenizer, maxChunkTokens int, largeChunks bool) *Chunker {
	if maxChunkTokens <= 0 {
		maxChunkTokens = 512
	}
	return &Chunker{tokenizer: tokenizer, maxTokens: maxChunkTokens, largeChunks: largeChunks}
}

// Chunk splits doc's sections into ordered chunks. Sections are
// concatenated until the next section would exceed the budget; a section
// larger than the budget is split on its own. Chunking is deterministic:
// the same document and settings always produce the same boundaries.
func (c *Chunker) Chunk(doc *model.Document) []model.Chunk {
	var texts []string
	for _, s := range doc.Sections {
		if s.Kind == model.SectionText && strings.TrimSpace(s.Text) != "" {
			texts = append(texts, s.Text)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	var chunks []model.Chunk
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		content := current.String()
		chunks = append(chunks, model.Chunk{
			DocumentID: doc.ID,
			Ordinal:    len(chunks),
			Content:    content,
			TokenCount: c.tokenizer.CountTokens(content),
		})
		current.Reset()
		currentTokens = 0
	}

	for _, text := range texts {
		tokens := c.tokenizer.CountTokens(text)

		if tokens > c.maxTokens {
			flush()
			for _, piece := range c.splitOversized(text) {
				chunks = append(chunks, model.Chunk{
					DocumentID: doc.ID,
					Ordinal:    len(chunks),
					Content:    piece,
					TokenCount: c.tokenizer.CountTokens(piece),
				})
			}
			continue
		}

		if currentTokens > 0 && currentTokens+tokens > c.maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(text)
		currentTokens += tokens
	}
	flush()

	if c.largeChunks {
		chunks = append(chunks, buildLargeChunks(doc.ID, chunks)...)
	}
	return chunks
}

// splitOversized breaks a single section on paragraph, then sentence,
// then word boundaries until every piece fits.
func (c *Chunker) splitOversized(text string) []string {
	var pieces []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, unit := range splitUnits(text) {
		tokens := c.tokenizer.CountTokens(unit)
		if tokens > c.maxTokens {
			// A single unit over budget: hard-split by words.
			flush()
			words := strings.Fields(unit)
			var wb strings.Builder
			wbTokens := 0
			for _, w := range words {
				wt := c.tokenizer.CountTokens(w + " ")
				if wbTokens+wt > c.maxTokens && wb.Len() > 0 {
					pieces = append(pieces, wb.String())
					wb.Reset()
					wbTokens = 0
				}
				if wb.Len() > 0 {
					wb.WriteString(" ")
				}
				wb.WriteString(w)
				wbTokens += wt
			}
			if wb.Len() > 0 {
				pieces = append(pieces, wb.String())
			}
			continue
		}
		if currentTokens > 0 && currentTokens+tokens > c.maxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(unit)
		currentTokens += tokens
	}
	flush()
	return pieces
}

// splitUnits prefers paragraphs, falling back to sentences.
func splitUnits(text string) []string {
	paras := strings.Split(text, "\n\n")
	var units []string
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		units = append(units, splitSentences(p)...)
	}
	return units
}

func splitSentences(text string) []string {
	var out []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && runes[i+1] == ' ' {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// buildLargeChunks groups consecutive normal chunks into aggregate chunks
// carrying reference ids, enabling hierarchical retrieval. Groups of one
// are skipped: a large chunk equal to its single member adds nothing.
func buildLargeChunks(docID string, normal []model.Chunk) []model.Chunk {
	var large []model.Chunk
	for start := 0; start < len(normal); start += largeChunkRatio {
		end := start + largeChunkRatio
		if end > len(normal) {
			end = len(normal)
		}
		if end-start < 2 {
			break
		}
		var sb strings.Builder
		var refs []int
		tokens := 0
		for _, ch := range normal[start:end] {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(ch.Content)
			refs = append(refs, ch.Ordinal)
			tokens += ch.TokenCount
		}
		large = append(large, model.Chunk{
			DocumentID:     docID,
			Ordinal:        len(normal) + len(large),
			Content:        sb.String(),
			TokenCount:     tokens,
			LargeChunkRefs: refs,
		})
	}
	return large
}

// Decorate lifts chunks into index-ready form, inheriting document
// metadata and the access snapshot.
func Decorate(doc *model.Document, chunks []model.Chunk, access model.ExternalAccess, documentSets []string, boost int) []model.MetadataAwareChunk {
	out := make([]model.MetadataAwareChunk, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, model.MetadataAwareChunk{
			Chunk:        ch,
			Access:       access.Normalize(),
			DocumentSets: documentSets,
			Boost:        boost,
			Source:       doc.Source,
			SemanticID:   doc.SemanticIdentifier,
			DocUpdatedAt: doc.DocUpdatedAt,
			Metadata:     doc.Metadata,
		})
	}
	return out
}
