// Package agent holds the LLM-backed agents of the triage flow: one asks
// clarifying questions, the other writes the structured triage note.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

const DefaultMaxQuestions = 5

var chunkRef = regexp.MustCompile(`\[?chunk_\d{6}\]?`)

type FollowupConfig struct {
	MaxQuestions int
	// EvidenceChars caps each passage in the prompt.
	EvidenceChars int
	Logger        *log.Logger
}

type FollowupAgent struct {
	llm    types.LLM
	config FollowupConfig
	logger *log.Logger
}

func NewFollowupAgent(llm types.LLM, config FollowupConfig) *FollowupAgent {
	if config.MaxQuestions <= 0 {
		config.MaxQuestions = DefaultMaxQuestions
	}
	if config.EvidenceChars == 0 {
		config.EvidenceChars = 800
	}
	return &FollowupAgent{llm: llm, config: config, logger: logging.OrNop(config.Logger)}
}

type followupReply struct {
	Questions []models.Question `json:"questions"`
}

// GenerateFollowups asks the model for clarifying questions about query.
// Ids default to q1..qN, and chunk references are removed from the text.
func (a *FollowupAgent) GenerateFollowups(ctx context.Context, query string, hits []models.RetrievalHit) ([]models.Question, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.BadRequest("query is empty")
	}

	prompt := fmt.Sprintf(followupPrompt, query, formatEvidence(hits, a.config.EvidenceChars), a.config.MaxQuestions)
	var reply followupReply
	if err := a.llm.GenerateStructured(ctx, prompt, &reply); err != nil {
		return nil, fmt.Errorf("failed to generate follow-up questions: %w", err)
	}

	out := make([]models.Question, 0, len(reply.Questions))
	seen := make(map[string]struct{}, len(reply.Questions))
	for _, q := range reply.Questions {
		text := cleanQuestion(q.Text)
		if text == "" {
			continue
		}
		id := strings.TrimSpace(q.ID)
		if _, dup := seen[id]; id == "" || dup {
			id = fmt.Sprintf("q%d", len(out)+1)
		}
		seen[id] = struct{}{}
		out = append(out, models.Question{ID: id, Text: text})
		if len(out) == a.config.MaxQuestions {
			break
		}
	}
	if len(out) == 0 {
		return nil, errs.Generation("model returned no usable follow-up questions")
	}

	a.logger.Debug().Int("questions", len(out)).Msg("follow-ups generated")
	return out, nil
}

func cleanQuestion(s string) string {
	s = chunkRef.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
