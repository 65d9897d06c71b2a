package models

// NextAction tags the variant of a triage result.
type NextAction string

const (
	ActionAskFollowups NextAction = "ask_followups"
	ActionReturnTriage NextAction = "return_triage"
)

// TriageResult is implemented by AskFollowups and ReturnTriage only.
type TriageResult interface {
	NextAction() NextAction
	triageResult()
}

// AskFollowups is returned when the caller has not yet answered clarifying questions.
type AskFollowups struct {
	Questions []Question     `json:"followup_questions"`
	Hits      []RetrievalHit `json:"hits"`
}

func (AskFollowups) NextAction() NextAction { return ActionAskFollowups }
func (AskFollowups) triageResult()          {}

// ReturnTriage carries the generated note and the judge's verdict on it.
type ReturnTriage struct {
	Note    *TriageNote    `json:"triage_note"`
	Verdict *JudgeVerdict  `json:"judge_verdict"`
	Hits    []RetrievalHit `json:"hits"`
}

func (ReturnTriage) NextAction() NextAction { return ActionReturnTriage }
func (ReturnTriage) triageResult()          {}
