package judge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/llm"
)

// Check scores.
const (
	scorePass = 1.0
	scoreWarn = 0.6
	scoreFail = 0.0
)

// Weights of each check in the overall score. They sum to 1.
var Weights = map[models.CheckName]float64{
	models.CheckGrounding:    0.35,
	models.CheckSafety:       0.25,
	models.CheckConsistency:  0.15,
	models.CheckCompleteness: 0.15,
	models.CheckFormat:       0.10,
}

// checkOrder is the order issues appear in a verdict.
var checkOrder = []models.CheckName{
	models.CheckGrounding,
	models.CheckConsistency,
	models.CheckSafety,
	models.CheckCompleteness,
	models.CheckFormat,
}

// outcome is one check's issue plus whether a failure can be fixed mechanically.
type outcome struct {
	issue       models.QAIssue
	correctable bool
}

// findings accumulates messages for one check.
type findings struct {
	check       models.CheckName
	failed      bool
	warned      bool
	correctable bool
	msgs        []string
	fields      []string
}

func newFindings(check models.CheckName) *findings {
	return &findings{check: check, correctable: true}
}

func (f *findings) fail(correctable bool, field, format string, args ...any) {
	f.failed = true
	f.correctable = f.correctable && correctable
	f.add(field, format, args...)
}

func (f *findings) warn(field, format string, args ...any) {
	f.warned = true
	f.add(field, format, args...)
}

func (f *findings) add(field, format string, args ...any) {
	f.msgs = append(f.msgs, fmt.Sprintf(format, args...))
	if field != "" && !contains(f.fields, field) {
		f.fields = append(f.fields, field)
	}
}

func (f *findings) outcome() outcome {
	is := models.QAIssue{Check: f.check, Status: models.StatusPass, Score: scorePass, Details: "ok"}
	switch {
	case f.failed:
		is.Status, is.Score = models.StatusFail, scoreFail
	case f.warned:
		is.Status, is.Score = models.StatusWarn, scoreWarn
	}
	if len(f.msgs) > 0 {
		is.Details = strings.Join(f.msgs, "; ")
	}
	is.OffendingFields = f.fields
	return outcome{issue: is, correctable: !f.failed || f.correctable}
}

// evidence indexes the hits a note was generated from.
type evidence struct {
	text map[string]string
}

func newEvidence(hits []models.RetrievalHit) evidence {
	ev := evidence{text: make(map[string]string, len(hits))}
	for _, h := range hits {
		ev.text[h.ChunkID] = h.Text
	}
	return ev
}

func (ev evidence) has(id string) bool {
	_, ok := ev.text[id]
	return ok
}

// VerifyGrounding returns an ErrGroundingViolation listing every cited chunk
// id that is absent from hits, or nil.
func VerifyGrounding(note *models.TriageNote, hits []models.RetrievalHit) error {
	ev := newEvidence(hits)
	var bad []string
	for _, c := range note.Citations() {
		for _, id := range c.ChunkIDs {
			if !ev.has(id) {
				bad = append(bad, fmt.Sprintf("%s cites %s", c.Field, id))
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrGroundingViolation, strings.Join(bad, ", "))
}

func checkGrounding(note *models.TriageNote, ev evidence) outcome {
	f := newFindings(models.CheckGrounding)
	for _, c := range note.Citations() {
		var missing []string
		for _, id := range c.ChunkIDs {
			if !ev.has(id) {
				missing = append(missing, id)
			}
		}
		switch {
		case len(missing) > 0:
			f.fail(true, c.Field, "%s cites chunks not in evidence: %s", c.Field, strings.Join(missing, ", "))
		case c.Source == models.SourceRetrieved && len(c.ChunkIDs) == 0:
			f.warn(c.Field, "%s is marked retrieved but cites no chunks", c.Field)
		}
	}

	// Cited passages should share vocabulary with the claim they support.
	for i, c := range note.PossibleConditions {
		supported(f, ev, fmt.Sprintf("possible_conditions[%d]", i), c.Source, c.SupportChunkIDs, c.Name+" "+c.Rationale)
	}
	for i, t := range note.TestsToDiscuss {
		supported(f, ev, fmt.Sprintf("tests_to_discuss[%d]", i), t.Source, t.SupportChunkIDs, t.Name+" "+t.Why)
	}
	return f.outcome()
}

func supported(f *findings, ev evidence, field, source string, ids []string, claim string) {
	if source != models.SourceRetrieved || len(ids) == 0 {
		return
	}
	var cited strings.Builder
	for _, id := range ids {
		text, ok := ev.text[id]
		if !ok {
			return
		}
		cited.WriteString(text)
		cited.WriteByte(' ')
	}
	terms := make(map[string]struct{})
	for _, t := range llm.Terms(cited.String()) {
		terms[t] = struct{}{}
	}
	for _, t := range llm.Terms(claim) {
		if _, ok := terms[t]; ok {
			return
		}
	}
	f.warn(field, "%s shares no terms with its cited evidence", field)
}

func checkConsistency(note *models.TriageNote) outcome {
	f := newFindings(models.CheckConsistency)
	sf := note.SeverityFlags

	if sf.Severity == models.SeverityRoutine {
		if len(sf.RedFlags) > 0 {
			f.fail(false, "severity_flags.red_flags", "severity is routine but red flags are listed")
		}
		if strings.TrimSpace(sf.EmergencyAction) != "" {
			f.fail(false, "severity_flags.emergency_action", "severity is routine but an emergency action is given")
		}
	}
	if sf.Severity.Rank() >= models.SeverityUrgent.Rank() && strings.TrimSpace(sf.EmergencyAction) == "" {
		f.warn("severity_flags.emergency_action", "severity is %s but no emergency action is given", sf.Severity)
	}

	seen := make(map[string]int)
	for i, c := range note.PossibleConditions {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if key == "" {
			continue
		}
		if j, dup := seen[key]; dup {
			f.warn(fmt.Sprintf("possible_conditions[%d]", i), "condition %q repeats possible_conditions[%d]", c.Name, j)
			continue
		}
		seen[key] = i
	}
	return f.outcome()
}

// definitive matches phrasing that states a diagnosis as fact.
var definitive = []struct {
	re      *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)\byou have\b`), "you may have"},
	{regexp.MustCompile(`(?i)\bdiagnosed with\b`), "possibly consistent with"},
	{regexp.MustCompile(`(?i)\bdefinitely\b`), "possibly"},
	{regexp.MustCompile(`(?i)\bconfirms\b`), "may suggest"},
	{regexp.MustCompile(`(?i)\bconfirmed\b`), "suggested"},
	{regexp.MustCompile(`(?i)\bcertainly\b`), "possibly"},
}

// disclaimerCue matches disclaimers that say the note is not a diagnosis.
var disclaimerCue = regexp.MustCompile(`(?i)\bnot (a|an|intended as a|to be used as a) (medical )?diagnosis\b|\bnot a substitute\b|\bdoes not replace\b|\bnot replace\b`)

// StandardDisclaimer is appended when a note lacks an adequate disclaimer.
const StandardDisclaimer = "This note is not a diagnosis and does not replace evaluation by a licensed clinician. Seek emergency care for severe or worsening symptoms."

func checkSafety(note *models.TriageNote) outcome {
	f := newFindings(models.CheckSafety)

	switch d := strings.TrimSpace(note.Disclaimers); {
	case d == "":
		f.fail(true, "disclaimers", "disclaimers are missing")
	case !disclaimerCue.MatchString(d):
		f.fail(true, "disclaimers", "disclaimers do not state that this is not a diagnosis")
	}

	for _, tf := range textFields(note) {
		for _, p := range definitive {
			if m := p.re.FindString(*tf.value); m != "" {
				f.fail(true, tf.name, "%s uses definitive phrasing %q", tf.name, m)
				break
			}
		}
	}

	sf := note.SeverityFlags
	if sf.Severity.Rank() >= models.SeverityUrgent.Rank() && len(sf.RedFlags) == 0 {
		f.fail(false, "severity_flags.red_flags", "severity is %s but no red flags are listed", sf.Severity)
	}
	return f.outcome()
}

func checkCompleteness(note *models.TriageNote) outcome {
	f := newFindings(models.CheckCompleteness)
	if len(note.PossibleConditions) == 0 {
		f.fail(true, "possible_conditions", "possible_conditions is empty")
	}
	for _, rf := range requiredFields(note) {
		if strings.TrimSpace(*rf.value) == "" {
			f.fail(true, rf.name, "%s is empty without an insufficient-evidence marker", rf.name)
		}
	}
	return f.outcome()
}

func checkFormat(note *models.TriageNote) outcome {
	f := newFindings(models.CheckFormat)
	if err := note.Validate(); err != nil {
		f.fail(false, "", "%s", models.DescribeValidation(err))
		for _, name := range models.InvalidFields(err) {
			if !contains(f.fields, name) {
				f.fields = append(f.fields, name)
			}
		}
	}
	for _, c := range note.Citations() {
		for _, id := range c.ChunkIDs {
			if !chunkIDPattern.MatchString(id) {
				f.fail(false, c.Field, "%s cites malformed chunk id %q", c.Field, id)
			}
		}
	}
	return f.outcome()
}

var chunkIDPattern = regexp.MustCompile(`^chunk_\d{6}$`)

// field is a named pointer into a note's text.
type field struct {
	name  string
	value *string
}

// requiredFields are the free-text fields a complete note fills.
func requiredFields(n *models.TriageNote) []field {
	dc, lp := &n.DiseaseCourse, &n.LifestylePlan
	return []field{
		{"disease_course.baseline_summary", &dc.BaselineSummary},
		{"disease_course.day_30", &dc.Day30},
		{"disease_course.day_60", &dc.Day60},
		{"disease_course.day_90", &dc.Day90},
		{"lifestyle_plan.diet", &lp.Diet},
		{"lifestyle_plan.activity", &lp.Activity},
		{"lifestyle_plan.sleep", &lp.Sleep},
		{"lifestyle_plan.hydration", &lp.Hydration},
		{"lifestyle_plan.home_remedies", &lp.HomeRemedies},
		{"followup_schedule", &n.FollowupSchedule},
	}
}

// textFields are the clinical statements scanned for unsafe phrasing.
func textFields(n *models.TriageNote) []field {
	var out []field
	for i := range n.PossibleConditions {
		c := &n.PossibleConditions[i]
		out = append(out,
			field{fmt.Sprintf("possible_conditions[%d].name", i), &c.Name},
			field{fmt.Sprintf("possible_conditions[%d].rationale", i), &c.Rationale},
		)
	}
	for i := range n.SeverityFlags.RedFlags {
		out = append(out, field{fmt.Sprintf("severity_flags.red_flags[%d]", i), &n.SeverityFlags.RedFlags[i]})
	}
	out = append(out, field{"severity_flags.emergency_action", &n.SeverityFlags.EmergencyAction})
	for i := range n.TestsToDiscuss {
		out = append(out, field{fmt.Sprintf("tests_to_discuss[%d].why", i), &n.TestsToDiscuss[i].Why})
	}
	return append(out, requiredFields(n)...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
