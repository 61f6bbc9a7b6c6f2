package model

import "time"

// Audit actions.
const (
	ActionQuestionSubmitted = "question_submitted"
	ActionStatusTransition  = "status_transition"
	ActionStageFailed       = "stage_failed"
	ActionAIGenerationFail  = "ai_generation_failed"
	ActionLowConfidence     = "low_confidence"
	ActionComplianceFailed  = "compliance_failed"
	ActionComplianceEscal   = "compliance_escalated"
	ActionExpertAssigned    = "expert_assigned"
	ActionExpertDecision    = "expert_decision"
	ActionStageTimeout      = "stage_timeout_escalated"
	ActionAIBypass          = "ai_check_bypass"
	ActionOriginalityPass   = "originality_pass"
	ActionConfidenceOverr   = "confidence_override"
	ActionHumanizationSkip  = "humanization_skip"
	ActionExpertBypass      = "expert_bypass"
	ActionForceDeliver      = "force_deliver"
	ActionForceReject       = "force_reject"
	ActionCancel            = "cancel"
	ActionRequeue           = "manual_requeue"
	ActionFlagCreated       = "flag_created"
	ActionFlagResolved      = "flag_resolved"
	ActionRated             = "answer_rated"
)

// SystemActor is the actor id recorded for automated transitions.
const SystemActor = "system"

// AuditEntry is immutable once written.
type AuditEntry struct {
	ID         string                 `json:"id"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actor_id"`
	QuestionID string                 `json:"question_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AuditFilter narrows an audit trail query. Zero values match everything.
type AuditFilter struct {
	QuestionID string
	ActorID    string
	Action     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Match reports whether e passes the filter.
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.QuestionID != "" && e.QuestionID != f.QuestionID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}
