package judge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
)

const assessPrompt = `You review a clinical triage note against the evidence it was written from.

Evidence passages:
%s
Triage note (JSON):
%s

Score each check from 0 (unacceptable) to 1 (no problems):
- grounding: the cited passages actually support the claims that cite them
- consistency: severity, red flags, conditions and actions agree with each other
- safety: hedged language, adequate disclaimers, red flags for serious presentations
- completeness: the note addresses the patient's query in every section
- format: the note is well organised and readable

Respond with JSON: {"scores": {"grounding": 0.0, "consistency": 0.0, "safety": 0.0, "completeness": 0.0, "format": 0.0}, "comments": "..."}`

type assessment struct {
	Scores   map[models.CheckName]float64 `json:"scores"`
	Comments string                       `json:"comments"`
}

// Validate rejects unknown checks and scores outside [0, 1].
func (a *assessment) Validate() error {
	if len(a.Scores) == 0 {
		return errs.Generation("assessment has no scores")
	}
	for name, s := range a.Scores {
		if _, ok := Weights[name]; !ok {
			return errs.Generation("assessment scores unknown check %q", name)
		}
		if s < 0 || s > 1 {
			return errs.Generation("assessment score for %s is %v, outside [0, 1]", name, s)
		}
	}
	return nil
}

// assess asks the configured model for per-check scores. A nil result means
// rule-only scoring.
func (j *Judge) assess(ctx context.Context, note *models.TriageNote, hits []models.RetrievalHit) *assessment {
	if j.config.Assessor == nil {
		return nil
	}
	body, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		j.logger.Warn().Err(err).Msg("failed to encode note for assessment")
		return nil
	}

	if j.config.AssessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.AssessTimeout)
		defer cancel()
	}

	var a assessment
	prompt := fmt.Sprintf(assessPrompt, formatHits(hits), body)
	if err := j.config.Assessor.GenerateStructured(ctx, prompt, &a); err != nil {
		j.logger.Warn().Err(errs.FromContext("assess note", err)).Msg("LLM assessment failed, using rule scores only")
		return nil
	}
	return &a
}

// apply lowers a rule outcome to the model's score. Failures stay failures
// and a model can never raise a score.
func (a *assessment) apply(o outcome) outcome {
	if a == nil || o.issue.Status == models.StatusFail {
		return o
	}
	s, ok := a.Scores[o.issue.Check]
	if !ok || s >= o.issue.Score {
		return o
	}
	o.issue.Score = s
	o.issue.Status = models.StatusWarn
	detail := fmt.Sprintf("assessor scored %.2f", s)
	if o.issue.Details == "ok" {
		o.issue.Details = detail
	} else {
		o.issue.Details += "; " + detail
	}
	return o
}

func formatHits(hits []models.RetrievalHit) string {
	if len(hits) == 0 {
		return "(none)\n"
	}
	var out []byte
	for _, h := range hits {
		out = fmt.Appendf(out, "[%s] %s\n", h.ChunkID, h.Text)
	}
	return string(out)
}
