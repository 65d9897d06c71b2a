package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

type TriageConfig struct {
	EvidenceChars int
	Logger        *log.Logger
}

type TriageAgent struct {
	llm    types.LLM
	config TriageConfig
	logger *log.Logger
}

func NewTriageAgent(llm types.LLM, config TriageConfig) *TriageAgent {
	if config.EvidenceChars == 0 {
		config.EvidenceChars = 1200
	}
	return &TriageAgent{llm: llm, config: config, logger: logging.OrNop(config.Logger)}
}

// GenerateTriageNote writes a note grounded in hits. The LLM layer retries an
// invalid note once; the request fields are then set from the caller's input.
func (a *TriageAgent) GenerateTriageNote(ctx context.Context, query string, answers map[string]string, hits []models.RetrievalHit) (*models.TriageNote, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.BadRequest("query is empty")
	}

	prompt := fmt.Sprintf(triagePrompt,
		query,
		formatAnswers(answers),
		formatEvidence(hits, a.config.EvidenceChars),
		models.InsufficientEvidence,
	)

	var draft noteDraft
	if err := a.llm.GenerateStructured(ctx, prompt, &draft); err != nil {
		return nil, fmt.Errorf("failed to generate triage note: %w", err)
	}

	note := &draft.TriageNote
	note.PatientQuery = query
	note.FollowupsAsked = sortedQuestions(answers)

	a.logger.Debug().
		Int("conditions", len(note.PossibleConditions)).
		Str("severity", string(note.SeverityFlags.Severity)).
		Msg("triage note generated")
	return note, nil
}

type noteDraft struct {
	models.TriageNote
}

// Validate skips patient_query, which is filled from the request.
func (d *noteDraft) Validate() error {
	n := d.TriageNote
	if n.PatientQuery == "" {
		n.PatientQuery = "-"
	}
	return n.Validate()
}
