// Package chunker splits raw document text into segments that fit a target
// embedding context budget. A structure-aware mode handles the canonical
// public-notice layout; everything else goes through sentence-based generic
// chunking.
package chunker

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultMaxTokens is the per-chunk token budget when none is configured.
const DefaultMaxTokens = 480

// TokenCounter estimates the token count of a text segment.
type TokenCounter func(string) int

// EstimateTokens approximates LLM tokenization at roughly four characters
// per token. Whitespace-only text counts as zero.
func EstimateTokens(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenCounter replaces the default token estimator.
func WithTokenCounter(count TokenCounter) Option {
	return func(c *Chunker) {
		c.count = count
	}
}

// WithDetectConfig overrides the canonical-format detection weights.
func WithDetectConfig(cfg DetectConfig) Option {
	return func(c *Chunker) {
		c.detect = cfg
	}
}

// Chunker splits text under a per-chunk token budget.
type Chunker struct {
	maxTokens int
	count     TokenCounter
	detect    DetectConfig
}

// New creates a Chunker with the given budget. maxTokens <= 0 defaults to
// DefaultMaxTokens.
func New(maxTokens int, opts ...Option) *Chunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	c := &Chunker{
		maxTokens: maxTokens,
		count:     EstimateTokens,
		detect:    DefaultDetectConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxTokens returns the configured per-chunk budget.
func (c *Chunker) MaxTokens() int {
	return c.maxTokens
}

// CountTokens counts tokens with the chunker's own counter, so callers
// judging a chunk against MaxTokens use the same arithmetic that produced it.
func (c *Chunker) CountTokens(text string) int {
	return c.count(text)
}

// Chunk splits text into segments, each under the token budget. The only
// segments allowed over budget are single atomic words, which are emitted
// whole and logged rather than silently truncated. Empty or whitespace-only
// input yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if Detect(text, c.detect).Canonical {
		return c.chunkCanonical(text)
	}
	return c.chunkGeneric(text)
}

// chunkCanonical splits by top-level section; oversized sections are split
// further by their numbered sub-items, falling back to word splitting when a
// section carries no sub-item numbering.
func (c *Chunker) chunkCanonical(text string) []string {
	var chunks []string
	for _, section := range splitSections(text) {
		if c.count(section) <= c.maxTokens {
			chunks = append(chunks, section)
			continue
		}
		subs := splitSubitems(section)
		if len(subs) <= 1 {
			chunks = append(chunks, c.chunkWords(section)...)
			continue
		}
		chunks = append(chunks, c.pack(subs, "\n")...)
	}
	return chunks
}

// chunkGeneric accumulates sentences into a running buffer under the budget,
// word-splitting any sentence that alone exceeds it.
func (c *Chunker) chunkGeneric(text string) []string {
	return c.pack(splitSentences(text), " ")
}

// pack concatenates units into chunks under the budget, flushing before a
// unit would overflow. Units over budget on their own are word-split.
func (c *Chunker) pack(units []string, sep string) []string {
	var chunks []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}

	for _, unit := range units {
		unit = strings.TrimSpace(unit)
		if unit == "" {
			continue
		}
		if c.count(unit) > c.maxTokens {
			flush()
			chunks = append(chunks, c.chunkWords(unit)...)
			continue
		}
		if buf.Len() > 0 && c.count(buf.String()+sep+unit) > c.maxTokens {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(sep)
		}
		buf.WriteString(unit)
	}
	flush()
	return chunks
}

// chunkWords is the last-resort split on whitespace tokens. A single word
// over the budget is emitted as its own oversized chunk; the embedding
// caller decides whether to skip or truncate it.
func (c *Chunker) chunkWords(text string) []string {
	var chunks []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}

	for _, word := range strings.Fields(text) {
		if c.count(word) > c.maxTokens {
			flush()
			zap.L().Warn("chunker: atomic word exceeds token budget, emitting oversized chunk",
				zap.Int("tokens", c.count(word)),
				zap.Int("max_tokens", c.maxTokens),
			)
			chunks = append(chunks, word)
			continue
		}
		if buf.Len() > 0 && c.count(buf.String()+" "+word) > c.maxTokens {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(word)
	}
	flush()
	return chunks
}

// splitSections cuts the document at every top-level section header. The
// preamble before the first section is its own piece.
func splitSections(text string) []string {
	locs := sectionRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var parts []string
	if head := strings.TrimSpace(text[:locs[0][0]]); head != "" {
		parts = append(parts, head)
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if part := strings.TrimSpace(text[loc[0]:end]); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// splitSubitems cuts a section at every d.d.) sub-item marker, keeping the
// section header prefix as the first piece.
func splitSubitems(section string) []string {
	locs := subitemRe.FindAllStringIndex(section, -1)
	if len(locs) == 0 {
		return []string{section}
	}
	var parts []string
	if head := strings.TrimSpace(section[:locs[0][0]]); head != "" {
		parts = append(parts, head)
	}
	for i, loc := range locs {
		end := len(section)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if part := strings.TrimSpace(section[loc[0]:end]); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// splitSentences cuts text after sentence terminators followed by
// whitespace. No characters other than the separating whitespace are lost.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i + 1
			if j < len(text) && !isSpaceByte(text[j]) {
				continue
			}
			if s := strings.TrimSpace(text[start:j]); s != "" {
				out = append(out, s)
			}
			for j < len(text) && isSpaceByte(text[j]) {
				j++
			}
			start = j
			i = j - 1
		}
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
