package judge_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/judge"
	"github.com/xhad/doctorbot/pkg/llm"
)

// evidenceHits returns chunk_000001..chunk_000010.
func evidenceHits() []models.RetrievalHit {
	texts := []string{
		"Chest pain radiating to the left arm suggests cardiac ischemia.",
		"An electrocardiogram and troponin are first-line tests for suspected ischemia.",
		"Sweating and nausea with chest pain are red flags for myocardial infarction.",
		"Gastroesophageal reflux can cause burning chest discomfort after meals.",
		"Musculoskeletal chest pain is reproducible on palpation.",
		"Pericarditis pain improves when leaning forward.",
		"Pulmonary embolism may present with pleuritic chest pain and dyspnea.",
		"Anxiety can present with chest tightness and palpitations.",
		"Aortic dissection causes tearing pain radiating to the back.",
		"Cardiac rehabilitation includes supervised exercise and dietary change.",
	}
	hits := make([]models.RetrievalHit, len(texts))
	for i, text := range texts {
		id := models.ChunkID(i + 1)
		hits[i] = models.RetrievalHit{ChunkID: id, Score: 1 - float64(i)/20, Text: text, Metadata: models.ChunkMeta{ID: id}}
	}
	return hits
}

func goodNote() *models.TriageNote {
	return &models.TriageNote{
		PatientQuery:   "I have chest pain going down my left arm",
		FollowupsAsked: []string{"Are you sweating?"},
		PossibleConditions: []models.Condition{
			{Name: "Cardiac ischemia", Rationale: "Radiating chest pain may suggest ischemia.", Source: models.SourceRetrieved, SupportChunkIDs: []string{"chunk_000001"}},
			{Name: "Reflux", Rationale: "Burning discomfort after meals is consistent with reflux.", Source: models.SourceRetrieved, SupportChunkIDs: []string{"chunk_000004"}},
		},
		SeverityFlags: models.SeverityFlags{
			Severity:        models.SeverityUrgent,
			RedFlags:        []string{"sweating with chest pain"},
			Source:          models.SourceRetrieved,
			SupportChunkIDs: []string{"chunk_000003"},
			EmergencyAction: "Call emergency services if pain lasts more than a few minutes.",
		},
		TestsToDiscuss: []models.TestRecommendation{
			{Name: "Electrocardiogram", Why: "Detects ischemic changes.", Timing: "now", Source: models.SourceRetrieved, SupportChunkIDs: []string{"chunk_000002"}},
		},
		DiseaseCourse: models.DiseaseCourse{
			BaselineSummary: "Depends on the underlying cause.",
			Day30:           models.InsufficientEvidence,
			Day60:           models.InsufficientEvidence,
			Day90:           models.InsufficientEvidence,
			Source:          models.SourceGeneral,
		},
		LifestylePlan: models.LifestylePlan{
			Diet:            "Smaller meals.",
			Activity:        "Avoid exertion until evaluated.",
			Sleep:           models.InsufficientEvidence,
			Hydration:       models.InsufficientEvidence,
			HomeRemedies:    models.InsufficientEvidence,
			Source:          models.SourceRetrieved,
			SupportChunkIDs: []string{"chunk_000010"},
		},
		FollowupSchedule: "Within 24 hours.",
		Disclaimers:      "This is not a diagnosis and does not replace a clinician.",
	}
}

func newJudge(t *testing.T, cfg judge.Config) *judge.Judge {
	t.Helper()
	j, err := judge.NewWithConfig(cfg)
	require.NoError(t, err)
	return j
}

func issue(t *testing.T, v *models.JudgeVerdict, name models.CheckName) models.QAIssue {
	t.Helper()
	for _, is := range v.Issues {
		if is.Check == name {
			return is
		}
	}
	t.Fatalf("no %s issue in verdict", name)
	return models.QAIssue{}
}

func TestWeightsSumToOne(t *testing.T) {
	sum := 0.0
	for _, w := range judge.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestApprove(t *testing.T) {
	j := newJudge(t, judge.Config{})

	v, err := j.Evaluate(context.Background(), goodNote(), evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, v.Decision)
	assert.Equal(t, 1.0, v.OverallScore)
	assert.Nil(t, v.RevisedNote)
	require.Len(t, v.Issues, 5)
	for _, is := range v.Issues {
		assert.Equal(t, models.StatusPass, is.Status, is.Check)
	}
}

func TestGroundingFlagsUnknownChunk(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.PossibleConditions[0].SupportChunkIDs = []string{"chunk_000001", "chunk_000999"}
	original := note.Clone()

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)

	assert.ErrorIs(t, judge.VerifyGrounding(note, evidenceHits()), errs.ErrGroundingViolation)
	assert.Equal(t, original, note, "input note is untouched")

	// Dropping the unknown id is a mechanical fix.
	assert.Equal(t, models.DecisionRevise, v.Decision)
	require.NotNil(t, v.RevisedNote)
	assert.Equal(t, []string{"chunk_000001"}, v.RevisedNote.PossibleConditions[0].SupportChunkIDs)
	assert.NoError(t, judge.VerifyGrounding(v.RevisedNote, evidenceHits()))
	assert.Equal(t, models.StatusPass, issue(t, v, models.CheckGrounding).Status)
}

func TestGroundingFailStatus(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.TestsToDiscuss[0].SupportChunkIDs = []string{"chunk_000999"}
	note.SeverityFlags.Severity = models.SeverityRoutine // uncorrectable, so the first pass is returned

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReject, v.Decision)

	g := issue(t, v, models.CheckGrounding)
	assert.Equal(t, models.StatusFail, g.Status)
	assert.Equal(t, 0.0, g.Score)
	assert.Contains(t, g.Details, "chunk_000999")
	assert.Contains(t, g.OffendingFields, "tests_to_discuss[0]")
}

func TestReviseAddsDisclaimerAndHedges(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.Disclaimers = ""
	note.PossibleConditions[0].Rationale = "Radiating pain confirms ischemia; you have heart disease."
	note.LifestylePlan.Sleep = ""

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	require.Equal(t, models.DecisionRevise, v.Decision)
	require.NotNil(t, v.RevisedNote)

	r := v.RevisedNote
	assert.Equal(t, judge.StandardDisclaimer, r.Disclaimers)
	assert.Equal(t, "Radiating pain may suggest ischemia; you may have heart disease.", r.PossibleConditions[0].Rationale)
	assert.Equal(t, models.InsufficientEvidence, r.LifestylePlan.Sleep)
	assert.Empty(t, v.Failed())
	assert.GreaterOrEqual(t, v.OverallScore, judge.DefaultReviseThreshold)

	assert.Empty(t, note.Disclaimers, "input note is untouched")
	assert.Empty(t, note.LifestylePlan.Sleep)
}

func TestRejectLeavesNoteUnchanged(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.SeverityFlags.RedFlags = nil // urgent without red flags cannot be fixed mechanically
	note.Disclaimers = ""
	original := note.Clone()

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReject, v.Decision)
	assert.Nil(t, v.RevisedNote)
	assert.Equal(t, original, note)

	s := issue(t, v, models.CheckSafety)
	assert.Equal(t, models.StatusFail, s.Status)
	assert.Contains(t, s.Details, "disclaimers are missing")
	assert.Contains(t, s.Details, "no red flags")
}

func TestRejectBelowReviseThreshold(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.PossibleConditions[0].SupportChunkIDs = []string{"chunk_000999"}
	note.Disclaimers = ""
	note.LifestylePlan.Diet = ""

	// grounding, safety and completeness all fail: 0.15 + 0.10 = 0.25.
	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReject, v.Decision)
	assert.InDelta(t, 0.25, v.OverallScore, 1e-9)
	assert.Len(t, v.Failed(), 3)
}

func TestConsistencyChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(n *models.TriageNote)
		status models.CheckStatus
	}{
		{"consistent", func(n *models.TriageNote) {}, models.StatusPass},
		{"routine with red flags", func(n *models.TriageNote) {
			n.SeverityFlags.Severity = models.SeverityRoutine
			n.SeverityFlags.EmergencyAction = ""
		}, models.StatusFail},
		{"urgent without action", func(n *models.TriageNote) { n.SeverityFlags.EmergencyAction = "" }, models.StatusWarn},
		{"duplicate condition", func(n *models.TriageNote) { n.PossibleConditions[1].Name = "cardiac Ischemia" }, models.StatusWarn},
	}

	j := newJudge(t, judge.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note := goodNote()
			tt.mutate(note)
			v, err := j.Evaluate(context.Background(), note, evidenceHits())
			require.NoError(t, err)
			assert.Equal(t, tt.status, issue(t, v, models.CheckConsistency).Status)
		})
	}
}

func TestFormatFailure(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.PossibleConditions[1].Source = "textbook"

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	f := issue(t, v, models.CheckFormat)
	assert.Equal(t, models.StatusFail, f.Status)
	assert.Contains(t, f.OffendingFields, "possible_conditions[1].source")
	assert.Equal(t, models.DecisionReject, v.Decision)
}

func TestRetrievedWithoutSupportWarns(t *testing.T) {
	j := newJudge(t, judge.Config{})
	note := goodNote()
	note.TestsToDiscuss[0].SupportChunkIDs = nil

	v, err := j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	g := issue(t, v, models.CheckGrounding)
	assert.Equal(t, models.StatusWarn, g.Status)
	assert.Equal(t, 0.6, g.Score)
}

func TestDeterministic(t *testing.T) {
	reply := `{"scores": {"grounding": 0.7, "consistency": 1, "safety": 0.9, "completeness": 1, "format": 1}}`
	var first *models.JudgeVerdict
	for range 3 {
		j := newJudge(t, judge.Config{Assessor: llm.NewScripted(reply, reply)})
		note := goodNote()
		note.PossibleConditions[0].SupportChunkIDs = []string{"chunk_000999"}
		v, err := j.Evaluate(context.Background(), note, evidenceHits())
		require.NoError(t, err)
		if first == nil {
			first = v
			continue
		}
		assert.Equal(t, first.Decision, v.Decision)
		assert.Equal(t, first.OverallScore, v.OverallScore)
	}
}

func TestAssessorLowersButNeverRaises(t *testing.T) {
	reply := `{"scores": {"grounding": 0.2, "consistency": 1, "safety": 1, "completeness": 1, "format": 1}}`
	j := newJudge(t, judge.Config{Assessor: llm.NewScripted(reply, reply)})

	v, err := j.Evaluate(context.Background(), goodNote(), evidenceHits())
	require.NoError(t, err)
	g := issue(t, v, models.CheckGrounding)
	assert.Equal(t, models.StatusWarn, g.Status)
	assert.Equal(t, 0.2, g.Score)
	assert.Contains(t, g.Details, "assessor scored 0.20")
	// 1 - 0.35*0.8 = 0.72: below approve with no failures, so one correction pass.
	assert.Equal(t, models.DecisionRevise, v.Decision)
	assert.InDelta(t, 0.72, v.OverallScore, 1e-9)

	note := goodNote()
	note.PossibleConditions[0].SupportChunkIDs = []string{"chunk_000999"}
	note.SeverityFlags.Severity = models.SeverityRoutine
	j = newJudge(t, judge.Config{Assessor: llm.NewScripted(`{"scores": {"grounding": 1, "consistency": 1}}`)})
	v, err = j.Evaluate(context.Background(), note, evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFail, issue(t, v, models.CheckGrounding).Status)
	assert.Equal(t, models.StatusFail, issue(t, v, models.CheckConsistency).Status)
}

func TestAssessorFailureFallsBackToRules(t *testing.T) {
	j := newJudge(t, judge.Config{Assessor: llm.NewScripted().FailWith(errors.New("model offline"))})

	v, err := j.Evaluate(context.Background(), goodNote(), evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, v.Decision)
	assert.Equal(t, 1.0, v.OverallScore)

	bad := newJudge(t, judge.Config{Assessor: llm.NewScripted(`{"scores": {"grounding": 7}}`, `{"scores": {"tone": 0.1}}`)})
	v, err = bad.Evaluate(context.Background(), goodNote(), evidenceHits())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, v.Decision)
}

func TestConfigValidation(t *testing.T) {
	for _, cfg := range []judge.Config{
		{ApproveThreshold: 0.4, ReviseThreshold: 0.6},
		{ApproveThreshold: 1.2},
		{ReviseThreshold: -0.1},
	} {
		_, err := judge.NewWithConfig(cfg)
		assert.ErrorIs(t, err, errs.ErrConfiguration, fmt.Sprintf("%+v", cfg))
	}

	_, err := judge.NewWithConfig(judge.Config{})
	assert.NoError(t, err)

	_, err = newJudge(t, judge.Config{}).Evaluate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestStates(t *testing.T) {
	assert.False(t, judge.StatePending.Terminal())
	assert.False(t, judge.StateEvaluating.Terminal())
	for _, s := range []judge.State{judge.StateApproved, judge.StateRevised, judge.StateRejected} {
		assert.True(t, s.Terminal(), s)
	}
}
