package model

// Status is the pipeline state of a question.
type Status string

const (
	StatusSubmitted       Status = "submitted"
	StatusProcessing      Status = "processing"
	StatusAIGenerated     Status = "ai_generated"
	StatusHumanizing      Status = "humanizing"
	StatusComplianceCheck Status = "compliance_check"
	StatusExpertReview    Status = "expert_review"
	StatusApproved        Status = "approved"
	StatusDelivered       Status = "delivered"
	StatusRated           Status = "rated"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusSubmitted,
	StatusProcessing,
	StatusAIGenerated,
	StatusHumanizing,
	StatusComplianceCheck,
	StatusExpertReview,
	StatusApproved,
	StatusDelivered,
	StatusRated,
	StatusRejected,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Finished reports whether the question has left the pipeline. Admin jumps
// are only allowed from statuses that are not finished.
func (s Status) Finished() bool {
	switch s {
	case StatusDelivered, StatusRated, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Stage names double as queue names.
type Stage string

const (
	StageAIProcessing     Stage = "ai_processing"
	StageHumanization     Stage = "humanization"
	StageOriginalityCheck Stage = "originality_check"
	StageExpertReview     Stage = "expert_review"
	StageDelivery         Stage = "delivery"
	StageNotification     Stage = "notification"
)

// AllStages lists the six pipeline stages.
var AllStages = []Stage{
	StageAIProcessing,
	StageHumanization,
	StageOriginalityCheck,
	StageExpertReview,
	StageDelivery,
	StageNotification,
}

// ParseStage validates a queue name.
func ParseStage(name string) (Stage, bool) {
	for _, s := range AllStages {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}
