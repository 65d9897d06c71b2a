package models

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

type CheckName string

const (
	CheckGrounding    CheckName = "grounding"
	CheckConsistency  CheckName = "consistency"
	CheckSafety       CheckName = "safety"
	CheckCompleteness CheckName = "completeness"
	CheckFormat       CheckName = "format"
)

// QAIssue is the outcome of one judge check.
type QAIssue struct {
	Check           CheckName   `json:"check"`
	Status          CheckStatus `json:"status"`
	Score           float64     `json:"score"`
	Details         string      `json:"details"`
	OffendingFields []string    `json:"offending_fields"`
}

type JudgeVerdict struct {
	Decision     Decision    `json:"decision"`
	OverallScore float64     `json:"overall_score"`
	Issues       []QAIssue   `json:"issues"`
	RevisedNote  *TriageNote `json:"revised_note,omitempty"`
}

// Failed returns the issues whose status is fail.
func (v *JudgeVerdict) Failed() []QAIssue {
	var out []QAIssue
	for _, is := range v.Issues {
		if is.Status == StatusFail {
			out = append(out, is)
		}
	}
	return out
}
