package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xhad/doctorbot/internal/models"
)

const followupPrompt = `A patient described their symptoms as:
%q

Relevant reference passages:
%s
Ask up to %d short clarifying questions that would most change the assessment
(onset, duration, severity, associated symptoms, red flags, history).
Questions are for the patient. Do not mention passage ids.

Respond with JSON: {"questions": [{"id": "q1", "text": "..."}]}`

const triagePrompt = `You write structured triage notes for clinicians reviewing a patient's symptoms.

Patient query:
%q

Follow-up answers:
%s
Evidence passages (cite only these ids):
%s
Rules:
- Every claim drawn from the evidence sets "source": "retrieved" and lists the supporting ids in "support_chunk_ids".
- Claims not supported by the evidence set "source": "general" and leave "support_chunk_ids" empty.
- Never cite an id that is not listed above.
- Severity is one of routine, soon, urgent, emergent. Urgent or emergent requires red_flags and an emergency_action.
- Use the phrase "%s" for any field the evidence cannot support.
- Do not state a diagnosis. Use hedged language such as "may suggest" or "is consistent with".
- "disclaimers" must say this note is not a diagnosis and does not replace a clinician.

Respond with one JSON object with these keys:
patient_query, followups_asked, possible_conditions [{name, rationale, source, support_chunk_ids}],
severity_flags {severity, red_flags, source, support_chunk_ids, emergency_action},
tests_to_discuss [{name, why, timing, source, support_chunk_ids}],
disease_course {baseline_summary, day_30, day_60, day_90, source, support_chunk_ids},
lifestyle_plan {diet, activity, sleep, hydration, home_remedies, source, support_chunk_ids},
followup_schedule, disclaimers`

// formatEvidence lists hits as "[chunk_id] text" lines.
func formatEvidence(hits []models.RetrievalHit, maxChars int) string {
	if len(hits) == 0 {
		return "(no passages retrieved)\n"
	}
	var b strings.Builder
	for _, h := range hits {
		text := h.Text
		if maxChars > 0 {
			if r := []rune(text); len(r) > maxChars {
				text = string(r[:maxChars]) + "..."
			}
		}
		fmt.Fprintf(&b, "[%s] %s\n", h.ChunkID, text)
	}
	return b.String()
}

// sortedQuestions returns the answered questions in a stable order.
func sortedQuestions(answers map[string]string) []string {
	qs := make([]string, 0, len(answers))
	for q := range answers {
		qs = append(qs, q)
	}
	sort.Strings(qs)
	return qs
}

func formatAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, q := range sortedQuestions(answers) {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", q, answers[q])
	}
	return b.String()
}
