package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/agent"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/llm"
)

var hits = []models.RetrievalHit{
	{ChunkID: "chunk_000001", Score: 0.82, Text: "Chest pain radiating to the left arm may indicate cardiac ischemia."},
	{ChunkID: "chunk_000002", Score: 0.61, Text: "An ECG and troponin are first-line tests for suspected acute coronary syndrome."},
}

const validNote = `{
  "possible_conditions": [
    {"name": "Acute coronary syndrome", "rationale": "Radiating chest pain may suggest ischemia.", "source": "retrieved", "support_chunk_ids": ["chunk_000001"]}
  ],
  "severity_flags": {"severity": "urgent", "red_flags": ["radiating pain"], "source": "retrieved", "support_chunk_ids": ["chunk_000001"], "emergency_action": "Call emergency services if pain persists."},
  "tests_to_discuss": [
    {"name": "ECG", "why": "Detects ischemic changes.", "timing": "now", "source": "retrieved", "support_chunk_ids": ["chunk_000002"]}
  ],
  "disease_course": {"baseline_summary": "insufficient evidence", "source": "general"},
  "lifestyle_plan": {"diet": "insufficient evidence", "source": "general"},
  "followup_schedule": "Within 24 hours.",
  "disclaimers": "This is not a diagnosis and does not replace a clinician."
}`

func TestGenerateFollowups(t *testing.T) {
	model := llm.NewScripted(`Here you go:
{"questions": [
  {"id": "onset", "text": "When did the pain start?"},
  {"text": "Does the pain spread, as in [chunk_000001]?"},
  {"id": "onset", "text": "Any shortness of breath?"}
]}`)
	a := agent.NewFollowupAgent(model, agent.FollowupConfig{})

	qs, err := a.GenerateFollowups(context.Background(), "I have chest pain", hits)
	require.NoError(t, err)
	require.Len(t, qs, 3)
	assert.Equal(t, models.Question{ID: "onset", Text: "When did the pain start?"}, qs[0])
	assert.Equal(t, "q2", qs[1].ID)
	assert.Equal(t, "Does the pain spread, as in ?", qs[1].Text)
	assert.Equal(t, "q3", qs[2].ID, "duplicate ids are renumbered")

	prompt := model.Prompts()[0]
	assert.Contains(t, prompt, "[chunk_000001] Chest pain radiating")
	assert.Contains(t, prompt, `"I have chest pain"`)
}

func TestGenerateFollowupsCapsQuestions(t *testing.T) {
	model := llm.NewScripted(`{"questions": [
  {"text": "One?"}, {"text": "Two?"}, {"text": "Three?"}, {"text": "Four?"}
]}`)
	a := agent.NewFollowupAgent(model, agent.FollowupConfig{MaxQuestions: 2})

	qs, err := a.GenerateFollowups(context.Background(), "headache", nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Question{{ID: "q1", Text: "One?"}, {ID: "q2", Text: "Two?"}}, qs)
	assert.Contains(t, model.Prompts()[0], "(no passages retrieved)")
}

func TestGenerateFollowupsErrors(t *testing.T) {
	a := agent.NewFollowupAgent(llm.NewScripted(), agent.FollowupConfig{})
	_, err := a.GenerateFollowups(context.Background(), " ", hits)
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	empty := agent.NewFollowupAgent(llm.NewScripted(`{"questions": []}`), agent.FollowupConfig{})
	_, err = empty.GenerateFollowups(context.Background(), "rash", hits)
	assert.ErrorIs(t, err, errs.ErrGeneration)

	offline := agent.NewFollowupAgent(llm.NewScripted().FailWith(errors.New("connection refused")), agent.FollowupConfig{})
	_, err = offline.GenerateFollowups(context.Background(), "rash", hits)
	assert.ErrorContains(t, err, "connection refused")
}

func TestGenerateTriageNote(t *testing.T) {
	model := llm.NewScripted(validNote)
	a := agent.NewTriageAgent(model, agent.TriageConfig{})
	answers := map[string]string{
		"When did it start?": "Two hours ago",
		"Any sweating?":      "Yes",
	}

	note, err := a.GenerateTriageNote(context.Background(), "I have chest pain", answers, hits)
	require.NoError(t, err)
	assert.Equal(t, "I have chest pain", note.PatientQuery)
	assert.Equal(t, []string{"Any sweating?", "When did it start?"}, note.FollowupsAsked)
	assert.Equal(t, models.SeverityUrgent, note.SeverityFlags.Severity)
	assert.Equal(t, []string{"chunk_000001"}, note.PossibleConditions[0].SupportChunkIDs)

	prompt := model.Prompts()[0]
	assert.Contains(t, prompt, "Q: Any sweating?\nA: Yes")
	assert.Contains(t, prompt, "[chunk_000002] An ECG")
	assert.Contains(t, prompt, models.InsufficientEvidence)
}

func TestGenerateTriageNoteRetriesInvalidOutput(t *testing.T) {
	bad := strings.Replace(validNote, `"severity": "urgent"`, `"severity": "critical"`, 1)
	model := llm.NewScripted(bad, validNote)
	a := agent.NewTriageAgent(model, agent.TriageConfig{})

	note, err := a.GenerateTriageNote(context.Background(), "chest pain", nil, hits)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityUrgent, note.SeverityFlags.Severity)
	assert.Empty(t, note.FollowupsAsked)

	prompts := model.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "severity_flags.severity")
}

func TestGenerateTriageNoteFailsAfterRetry(t *testing.T) {
	model := llm.NewScripted("not json", "still not json")
	a := agent.NewTriageAgent(model, agent.TriageConfig{})

	_, err := a.GenerateTriageNote(context.Background(), "chest pain", nil, hits)
	assert.ErrorIs(t, err, errs.ErrGeneration)
}
