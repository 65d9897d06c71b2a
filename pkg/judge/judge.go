// Package judge scores triage notes against the evidence they cite and
// decides whether each note is approved, revised once, or rejected.
package judge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

const (
	DefaultApproveThreshold = 0.85
	DefaultReviseThreshold  = 0.5
)

// State is a position in one evaluation.
type State string

const (
	StatePending    State = "pending"
	StateEvaluating State = "evaluating"
	StateApproved   State = "approved"
	StateRevised    State = "revised"
	StateRejected   State = "rejected"
)

var transitions = map[State][]State{
	StatePending:    {StateEvaluating},
	StateEvaluating: {StateApproved, StateRevised, StateRejected},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func stateFor(d models.Decision) State {
	switch d {
	case models.DecisionApprove:
		return StateApproved
	case models.DecisionRevise:
		return StateRevised
	default:
		return StateRejected
	}
}

type Config struct {
	ApproveThreshold float64
	ReviseThreshold  float64
	// Assessor is an optional model that may lower check scores.
	Assessor      types.LLM
	AssessTimeout time.Duration
	Logger        *log.Logger
}

type Judge struct {
	config Config
	logger *log.Logger
}

func NewWithConfig(config Config) (*Judge, error) {
	if config.ApproveThreshold == 0 {
		config.ApproveThreshold = DefaultApproveThreshold
	}
	if config.ReviseThreshold == 0 {
		config.ReviseThreshold = DefaultReviseThreshold
	}
	if config.AssessTimeout == 0 {
		config.AssessTimeout = 60 * time.Second
	}
	if config.ApproveThreshold > 1 || config.ReviseThreshold < 0 || config.ReviseThreshold > config.ApproveThreshold {
		return nil, errs.Configuration("judge thresholds must satisfy 0 <= revise (%v) <= approve (%v) <= 1",
			config.ReviseThreshold, config.ApproveThreshold)
	}
	return &Judge{config: config, logger: logging.OrNop(config.Logger)}, nil
}

// evaluation tracks one note through the judge's states.
type evaluation struct {
	state  State
	logger *log.Logger
}

func (e *evaluation) advance(to State) {
	for _, next := range transitions[e.state] {
		if next == to {
			e.logger.Debug().Str("from", string(e.state)).Str("to", string(to)).Msg("judge transition")
			e.state = to
			return
		}
	}
	panic(fmt.Sprintf("judge: invalid transition %s -> %s", e.state, to))
}

// scored is one pass of all checks over a note.
type scored struct {
	outcomes []outcome
	overall  float64
}

func (s scored) issues() []models.QAIssue {
	out := make([]models.QAIssue, len(s.outcomes))
	for i, o := range s.outcomes {
		out[i] = o.issue
	}
	return out
}

func (s scored) hasFail() bool {
	for _, o := range s.outcomes {
		if o.issue.Status == models.StatusFail {
			return true
		}
	}
	return false
}

func (s scored) correctable() bool {
	for _, o := range s.outcomes {
		if !o.correctable {
			return false
		}
	}
	return true
}

// Evaluate scores note against hits. The returned verdict carries a revised
// note only for a revise decision; note itself is never modified.
func (j *Judge) Evaluate(ctx context.Context, note *models.TriageNote, hits []models.RetrievalHit) (*models.JudgeVerdict, error) {
	if note == nil {
		return nil, errs.BadRequest("no note to evaluate")
	}
	ev := &evaluation{state: StatePending, logger: j.logger}
	ev.advance(StateEvaluating)

	evidence := newEvidence(hits)
	first := j.score(ctx, note, hits, evidence)

	verdict := &models.JudgeVerdict{
		Decision:     models.DecisionReject,
		OverallScore: first.overall,
		Issues:       first.issues(),
	}

	switch {
	case first.overall >= j.config.ApproveThreshold && !first.hasFail():
		verdict.Decision = models.DecisionApprove

	case first.overall >= j.config.ReviseThreshold && first.correctable():
		revised := correct(note, evidence)
		second := j.score(ctx, revised, hits, evidence)
		if second.hasFail() {
			j.logger.Info().Float64("score", second.overall).Msg("revised note still failing, rejecting")
			break
		}
		verdict.Decision = models.DecisionRevise
		verdict.OverallScore = second.overall
		verdict.Issues = second.issues()
		verdict.RevisedNote = revised
	}

	ev.advance(stateFor(verdict.Decision))
	if err := VerifyGrounding(note, hits); err != nil {
		j.logger.Info().Err(err).Str("decision", string(verdict.Decision)).Msg("note cites chunks outside its evidence")
	}
	j.logger.Info().
		Str("decision", string(verdict.Decision)).
		Float64("score", verdict.OverallScore).
		Int("failed", len(verdict.Failed())).
		Msg("note judged")
	return verdict, nil
}

func (j *Judge) score(ctx context.Context, note *models.TriageNote, hits []models.RetrievalHit, ev evidence) scored {
	byCheck := map[models.CheckName]outcome{
		models.CheckGrounding:    checkGrounding(note, ev),
		models.CheckConsistency:  checkConsistency(note),
		models.CheckSafety:       checkSafety(note),
		models.CheckCompleteness: checkCompleteness(note),
		models.CheckFormat:       checkFormat(note),
	}
	a := j.assess(ctx, note, hits)

	var s scored
	for _, name := range checkOrder {
		o := a.apply(byCheck[name])
		s.outcomes = append(s.outcomes, o)
		s.overall += Weights[name] * o.issue.Score
	}
	s.overall = math.Round(s.overall*1000) / 1000
	return s
}
