package judge

import (
	"strings"

	"github.com/xhad/doctorbot/internal/models"
)

// correct applies the mechanical fixes to a copy of note: citations outside
// the evidence are dropped (claims left without support become general), a
// standard disclaimer is added, definitive phrasing is hedged and empty fields
// get the insufficient-evidence marker. The input is never modified.
func correct(note *models.TriageNote, ev evidence) *models.TriageNote {
	n := note.Clone()

	for i := range n.PossibleConditions {
		c := &n.PossibleConditions[i]
		c.Source, c.SupportChunkIDs = reground(c.Source, c.SupportChunkIDs, ev)
	}
	for i := range n.TestsToDiscuss {
		t := &n.TestsToDiscuss[i]
		t.Source, t.SupportChunkIDs = reground(t.Source, t.SupportChunkIDs, ev)
	}
	sf := &n.SeverityFlags
	sf.Source, sf.SupportChunkIDs = reground(sf.Source, sf.SupportChunkIDs, ev)
	dc := &n.DiseaseCourse
	dc.Source, dc.SupportChunkIDs = reground(dc.Source, dc.SupportChunkIDs, ev)
	lp := &n.LifestylePlan
	lp.Source, lp.SupportChunkIDs = reground(lp.Source, lp.SupportChunkIDs, ev)

	switch d := strings.TrimSpace(n.Disclaimers); {
	case d == "":
		n.Disclaimers = StandardDisclaimer
	case !disclaimerCue.MatchString(d):
		n.Disclaimers = d + " " + StandardDisclaimer
	}

	for _, tf := range textFields(n) {
		for _, p := range definitive {
			*tf.value = p.re.ReplaceAllString(*tf.value, p.replace)
		}
	}

	if len(n.PossibleConditions) == 0 {
		n.PossibleConditions = []models.Condition{{
			Name:      models.InsufficientEvidence,
			Rationale: models.InsufficientEvidence,
			Source:    models.SourceGeneral,
		}}
	}
	for _, rf := range requiredFields(n) {
		if strings.TrimSpace(*rf.value) == "" {
			*rf.value = models.InsufficientEvidence
		}
	}
	return n
}

// reground keeps only ids present in the evidence. A retrieved claim with no
// remaining support is relabelled general.
func reground(source string, ids []string, ev evidence) (string, []string) {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if ev.has(id) && !contains(kept, id) {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		if source == models.SourceRetrieved {
			source = models.SourceGeneral
		}
		kept = nil
	}
	return source, kept
}
