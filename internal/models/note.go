package models

import "fmt"

// InsufficientEvidence marks a field the generator could not ground in the evidence.
const InsufficientEvidence = "insufficient evidence"

// Claim sources.
const (
	SourceRetrieved = "retrieved"
	SourceGeneral   = "general"
)

type Severity string

const (
	SeverityRoutine  Severity = "routine"
	SeveritySoon     Severity = "soon"
	SeverityUrgent   Severity = "urgent"
	SeverityEmergent Severity = "emergent"
)

// Rank orders severities; unknown values rank below routine.
func (s Severity) Rank() int {
	switch s {
	case SeverityRoutine:
		return 1
	case SeveritySoon:
		return 2
	case SeverityUrgent:
		return 3
	case SeverityEmergent:
		return 4
	default:
		return 0
	}
}

type Condition struct {
	Name            string   `json:"name" validate:"required"`
	Rationale       string   `json:"rationale" validate:"required"`
	Source          string   `json:"source" validate:"required,oneof=retrieved general"`
	SupportChunkIDs []string `json:"support_chunk_ids"`
}

type SeverityFlags struct {
	Severity        Severity `json:"severity" validate:"required,oneof=routine soon urgent emergent"`
	RedFlags        []string `json:"red_flags"`
	Source          string   `json:"source" validate:"required,oneof=retrieved general"`
	SupportChunkIDs []string `json:"support_chunk_ids,omitempty"`
	EmergencyAction string   `json:"emergency_action,omitempty"`
}

type TestRecommendation struct {
	Name            string   `json:"name" validate:"required"`
	Why             string   `json:"why" validate:"required"`
	Timing          string   `json:"timing"`
	Source          string   `json:"source" validate:"required,oneof=retrieved general"`
	SupportChunkIDs []string `json:"support_chunk_ids"`
}

type DiseaseCourse struct {
	BaselineSummary string   `json:"baseline_summary"`
	Day30           string   `json:"day_30"`
	Day60           string   `json:"day_60"`
	Day90           string   `json:"day_90"`
	Source          string   `json:"source" validate:"required,oneof=retrieved general"`
	SupportChunkIDs []string `json:"support_chunk_ids,omitempty"`
}

type LifestylePlan struct {
	Diet            string   `json:"diet"`
	Activity        string   `json:"activity"`
	Sleep           string   `json:"sleep"`
	Hydration       string   `json:"hydration"`
	HomeRemedies    string   `json:"home_remedies"`
	Source          string   `json:"source" validate:"required,oneof=retrieved general"`
	SupportChunkIDs []string `json:"support_chunk_ids,omitempty"`
}

// TriageNote is the structured clinical note produced by the triage agent.
type TriageNote struct {
	PatientQuery       string               `json:"patient_query" validate:"required"`
	FollowupsAsked     []string             `json:"followups_asked"`
	PossibleConditions []Condition          `json:"possible_conditions" validate:"dive"`
	SeverityFlags      SeverityFlags        `json:"severity_flags"`
	TestsToDiscuss     []TestRecommendation `json:"tests_to_discuss" validate:"dive"`
	DiseaseCourse      DiseaseCourse        `json:"disease_course"`
	LifestylePlan      LifestylePlan        `json:"lifestyle_plan"`
	FollowupSchedule   string               `json:"followup_schedule"`
	Disclaimers        string               `json:"disclaimers"`
}

// Citation is one group of chunk ids cited by a note field.
type Citation struct {
	Field    string
	Source   string
	ChunkIDs []string
}

// Citations lists every field of the note that carries support_chunk_ids, in a fixed order.
func (n *TriageNote) Citations() []Citation {
	var out []Citation
	for i, c := range n.PossibleConditions {
		out = append(out, Citation{Field: indexed("possible_conditions", i), Source: c.Source, ChunkIDs: c.SupportChunkIDs})
	}
	out = append(out, Citation{Field: "severity_flags", Source: n.SeverityFlags.Source, ChunkIDs: n.SeverityFlags.SupportChunkIDs})
	for i, t := range n.TestsToDiscuss {
		out = append(out, Citation{Field: indexed("tests_to_discuss", i), Source: t.Source, ChunkIDs: t.SupportChunkIDs})
	}
	out = append(out,
		Citation{Field: "disease_course", Source: n.DiseaseCourse.Source, ChunkIDs: n.DiseaseCourse.SupportChunkIDs},
		Citation{Field: "lifestyle_plan", Source: n.LifestylePlan.Source, ChunkIDs: n.LifestylePlan.SupportChunkIDs},
	)
	return out
}

// Clone returns a deep copy so revisions never alias the original note.
func (n *TriageNote) Clone() *TriageNote {
	c := *n
	c.FollowupsAsked = append([]string(nil), n.FollowupsAsked...)
	c.PossibleConditions = make([]Condition, len(n.PossibleConditions))
	for i, pc := range n.PossibleConditions {
		pc.SupportChunkIDs = append([]string(nil), pc.SupportChunkIDs...)
		c.PossibleConditions[i] = pc
	}
	c.TestsToDiscuss = make([]TestRecommendation, len(n.TestsToDiscuss))
	for i, t := range n.TestsToDiscuss {
		t.SupportChunkIDs = append([]string(nil), t.SupportChunkIDs...)
		c.TestsToDiscuss[i] = t
	}
	c.SeverityFlags.RedFlags = append([]string(nil), n.SeverityFlags.RedFlags...)
	c.SeverityFlags.SupportChunkIDs = append([]string(nil), n.SeverityFlags.SupportChunkIDs...)
	c.DiseaseCourse.SupportChunkIDs = append([]string(nil), n.DiseaseCourse.SupportChunkIDs...)
	c.LifestylePlan.SupportChunkIDs = append([]string(nil), n.LifestylePlan.SupportChunkIDs...)
	return &c
}

func indexed(field string, i int) string {
	return fmt.Sprintf("%s[%d]", field, i)
}
