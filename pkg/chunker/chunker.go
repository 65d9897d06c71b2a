// Package chunker splits reference sections into token-bounded, sentence-aligned chunks.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/tokenizer"
)

const (
	DefaultTargetTokens     = 400
	DefaultOverlapSentences = 2
)

type ChunkerConfig struct {
	TargetTokens     int
	OverlapSentences int
	Tokenizer        types.Tokenizer
	Logger           *log.Logger
}

// Report summarises a chunking run. A run always completes; skipped units are counted here.
type Report struct {
	Sections         int
	SkippedSections  int
	EmptySections    int
	SkippedSentences int
	Truncated        int
	FallbackCounts   int
	Chunks           int
}

type Chunker struct {
	config ChunkerConfig
	tok    types.Tokenizer
	logger *log.Logger
}

func NewWithConfig(config ChunkerConfig) *Chunker {
	if config.TargetTokens == 0 {
		config.TargetTokens = DefaultTargetTokens
	}
	if config.OverlapSentences < 0 {
		config.OverlapSentences = 0
	}
	tok := config.Tokenizer
	if tok == nil {
		tok = tokenizer.Words{}
	}
	return &Chunker{
		config: config,
		tok:    tok,
		logger: logging.OrNop(config.Logger),
	}
}

// Process chunks sections with the configured budget and overlap.
func (c *Chunker) Process(sections []models.Section) ([]models.Chunk, Report, error) {
	return c.Chunk(sections, c.config.TargetTokens, c.config.OverlapSentences)
}

type unit struct {
	text      string
	tokens    int
	truncated bool
}

// run carries the state of one chunking pass: the id counter spans all sections.
type run struct {
	c       *Chunker
	target  int
	overlap int
	next    int
	report  Report
	chunks  []models.Chunk
}

// Chunk splits sections into chunks of at most targetTokens tokens. The last
// overlapSentences sentences of each closed chunk seed the next one. Chunk ids
// are assigned sequentially from chunk_000001 across the whole run.
func (c *Chunker) Chunk(sections []models.Section, targetTokens, overlapSentences int) ([]models.Chunk, Report, error) {
	if targetTokens <= 0 {
		return nil, Report{}, errs.Configuration("target_tokens must be positive, got %d", targetTokens)
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	r := &run{c: c, target: targetTokens, overlap: overlapSentences, next: 1}
	for i := range sections {
		r.report.Sections++
		r.section(i, sections[i])
	}
	r.report.Chunks = len(r.chunks)

	c.logger.Info().
		Int("sections", r.report.Sections).
		Int("chunks", r.report.Chunks).
		Int("skipped_sections", r.report.SkippedSections).
		Int("skipped_sentences", r.report.SkippedSentences).
		Int("truncated", r.report.Truncated).
		Msg("chunking complete")

	return r.chunks, r.report, nil
}

func (r *run) section(idx int, sec models.Section) {
	if err := validateSection(sec); err != nil {
		r.report.SkippedSections++
		r.c.logger.Warn().Int("section", idx).Str("title", sec.Title).Err(err).Msg("skipping malformed section")
		return
	}

	content := sanitizeUTF8(sec.Content)
	if strings.TrimSpace(content) == "" {
		r.report.EmptySections++
		return
	}

	var (
		cur     []unit
		curText string
	)

	for _, sentence := range SplitSentences(content) {
		u, err := r.measure(sentence)
		if err != nil {
			r.report.SkippedSentences++
			r.c.logger.Warn().Int("section", idx).Err(err).Msg("skipping sentence")
			continue
		}

		if len(cur) > 0 && r.count(joinWith(curText, u.text)) > r.target {
			r.emit(sec, cur, curText)
			cur = r.carry(cur, u)
			curText = joinUnits(cur)
		}
		cur = append(cur, u)
		curText = joinWith(curText, u.text)
	}

	if len(cur) > 0 {
		r.emit(sec, cur, curText)
	}
}

// measure counts a sentence, truncating it to the budget when it alone exceeds it.
// A panic while truncating is reported as an error so the sentence can be skipped.
func (r *run) measure(sentence string) (u unit, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tokenizer failure: %v", p)
		}
	}()

	n := r.count(sentence)
	if n <= r.target {
		return unit{text: sentence, tokens: n}, nil
	}

	text, terr := r.c.tok.Truncate(sentence, r.target)
	if terr != nil || text == "" {
		text = tokenizer.CharTruncate(sentence, r.target)
	}
	r.report.Truncated++
	return unit{text: text, tokens: r.target, truncated: true}, nil
}

// count measures text with the tokenizer, falling back to the length-based
// estimate when the tokenizer errors or panics.
func (r *run) count(text string) int {
	n, err := r.tokenize(text)
	if err != nil {
		r.report.FallbackCounts++
		r.c.logger.Debug().Err(err).Msg("token count fell back to estimate")
		return tokenizer.EstimateTokens(text)
	}
	return n
}

func (r *run) tokenize(text string) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tokenizer panic: %v", p)
		}
	}()
	return r.c.tok.Count(text)
}

// carry returns the overlap seed for the chunk that will receive next: the last
// overlap units of closed, dropped from the front until next fits beside them.
func (r *run) carry(closed []unit, next unit) []unit {
	if r.overlap == 0 {
		return nil
	}
	start := len(closed) - r.overlap
	if start < 0 {
		start = 0
	}
	seed := append([]unit(nil), closed[start:]...)
	for len(seed) > 0 {
		if r.count(joinWith(joinUnits(seed), next.text)) <= r.target {
			break
		}
		seed = seed[1:]
	}
	return seed
}

func (r *run) emit(sec models.Section, units []unit, text string) {
	id := models.ChunkID(r.next)
	r.next++

	tokens := r.target
	if !(len(units) == 1 && units[0].truncated) {
		tokens = r.count(text)
	}

	r.chunks = append(r.chunks, models.Chunk{
		ID:   id,
		Text: text,
		Metadata: models.ChunkMeta{
			ID:           id,
			Chapter:      sec.Chapter,
			SectionTitle: sec.Title,
			PageStart:    sec.PageStart,
			PageEnd:      sec.PageEnd,
			TokenCount:   tokens,
		},
	})
}

func validateSection(sec models.Section) error {
	if sec.PageStart < 0 || sec.PageEnd < 0 {
		return errs.Parse("negative page number %d-%d", sec.PageStart, sec.PageEnd)
	}
	if sec.PageEnd < sec.PageStart {
		return errs.Parse("page range %d-%d is inverted", sec.PageStart, sec.PageEnd)
	}
	if sec.Title == "" && sec.Chapter == "" && sec.Content != "" {
		return errs.Parse("section has content but neither title nor chapter")
	}
	return nil
}

// SplitSentences splits after '.', '!' or '?' followed by whitespace.
// Results are trimmed and empty pieces dropped.
func SplitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func joinWith(text, sentence string) string {
	if text == "" {
		return sentence
	}
	return text + " " + sentence
}

func joinUnits(units []unit) string {
	parts := make([]string, len(units))
	for i, u := range units {
		parts[i] = u.text
	}
	return strings.Join(parts, " ")
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
