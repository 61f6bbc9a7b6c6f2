package model

import "time"

// FlagReason classifies a compliance flag.
type FlagReason string

const (
	FlagAIContent  FlagReason = "ai-content"
	FlagPlagiarism FlagReason = "plagiarism"
	FlagVPN        FlagReason = "vpn"
	FlagOther      FlagReason = "other"
)

// Valid reports whether r is a known reason.
func (r FlagReason) Valid() bool {
	switch r {
	case FlagAIContent, FlagPlagiarism, FlagVPN, FlagOther:
		return true
	}
	return false
}

// Severity grades a flag by how far a score missed its threshold.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Resolution records who closed a flag and why.
type Resolution struct {
	ActorID    string    `json:"actor_id"`
	Note       string    `json:"note"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ComplianceFlag stays open until an explicit resolve action.
type ComplianceFlag struct {
	ID          string                 `json:"id"`
	ContentID   string                 `json:"content_id"`
	ContentKind string                 `json:"content_kind"`
	QuestionID  string                 `json:"question_id,omitempty"`
	Reason      FlagReason             `json:"reason"`
	Severity    Severity               `json:"severity"`
	Score       float64                `json:"score"`
	Threshold   float64                `json:"threshold"`
	Resolved    bool                   `json:"resolved"`
	Resolution  *Resolution            `json:"resolution,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
