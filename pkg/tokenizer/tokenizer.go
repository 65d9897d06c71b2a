// Package tokenizer provides the token counters used to enforce chunk budgets.
package tokenizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/xhad/doctorbot/internal/types"
)

// BPE ranks are read from the files embedded in tiktoken-go-loader so chunking
// works without network access.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tiktoken counts tokens with a BPE encoding such as cl100k_base.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, enc: enc}, nil
}

func (t *Tiktoken) Count(text string) (n int, err error) {
	defer recoverInto(&err)
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) Truncate(text string, maxTokens int) (out string, err error) {
	defer recoverInto(&err)
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text, nil
	}
	return strings.TrimSpace(t.enc.Decode(ids[:maxTokens])), nil
}

// tiktoken-go panics on disallowed special tokens; surface that as an error.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("tokenizer panic: %v", r)
	}
}

// Words treats each whitespace-separated field as one token.
type Words struct{}

func (Words) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (Words) Truncate(text string, maxTokens int) (string, error) {
	fields := strings.Fields(text)
	if len(fields) <= maxTokens {
		return text, nil
	}
	return strings.Join(fields[:maxTokens], " "), nil
}

// EstimateTokens is the length-based estimate used when tokenization fails:
// 1.3 tokens per word, rounded up.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

// CharTruncate is the character-based truncation fallback: 4 characters per token.
func CharTruncate(text string, maxTokens int) string {
	runes := []rune(text)
	limit := maxTokens * 4
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit]))
}

// New returns the tokenizer named by encoding. "words" selects Words; anything
// else is treated as a tiktoken encoding name.
func New(encoding string) (types.Tokenizer, error) {
	if encoding == "words" {
		return Words{}, nil
	}
	tok, err := NewTiktoken(encoding)
	if err != nil {
		return nil, err
	}
	return tok, nil
}
