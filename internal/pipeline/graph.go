package pipeline

import (
	"github.com/nmxmxh/answerflow/internal/model"
)

// edges are the transitions stage consumers may perform.
var edges = map[model.Status][]model.Status{
	model.StatusSubmitted:       {model.StatusProcessing},
	model.StatusProcessing:      {model.StatusAIGenerated, model.StatusExpertReview, model.StatusRejected, model.StatusSubmitted},
	model.StatusAIGenerated:     {model.StatusHumanizing},
	model.StatusHumanizing:      {model.StatusComplianceCheck},
	model.StatusComplianceCheck: {model.StatusExpertReview, model.StatusHumanizing},
	model.StatusExpertReview:    {model.StatusApproved, model.StatusRejected},
	model.StatusApproved:        {model.StatusDelivered},
	model.StatusDelivered:       {model.StatusRated},
}

// overrideEdges are only reachable through an audited administrative action.
var overrideEdges = map[model.Status][]model.Status{
	model.StatusAIGenerated:     {model.StatusComplianceCheck, model.StatusExpertReview},
	model.StatusHumanizing:      {model.StatusComplianceCheck, model.StatusExpertReview},
	model.StatusComplianceCheck: {model.StatusExpertReview},
}

// preApproved statuses may be jumped to approved by bypass-expert-review.
var preApproved = map[model.Status]bool{
	model.StatusSubmitted:       true,
	model.StatusProcessing:      true,
	model.StatusAIGenerated:     true,
	model.StatusHumanizing:      true,
	model.StatusComplianceCheck: true,
	model.StatusExpertReview:    true,
}

func contains(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether a stage consumer may move from to next.
func CanTransition(from, next model.Status) bool {
	return contains(edges[from], next)
}

// CanOverride reports whether an administrative action may move from to
// next. Every normal edge is also allowed.
func CanOverride(from, next model.Status) bool {
	if CanTransition(from, next) || contains(overrideEdges[from], next) {
		return true
	}
	if next == model.StatusApproved && preApproved[from] {
		return true
	}
	switch next {
	case model.StatusDelivered, model.StatusRejected, model.StatusCancelled:
		return !from.Finished()
	}
	return false
}

// StageFor returns the stage that advances a question sitting in status.
func StageFor(status model.Status) (model.Stage, bool) {
	switch status {
	case model.StatusSubmitted:
		return model.StageAIProcessing, true
	case model.StatusAIGenerated, model.StatusHumanizing:
		return model.StageHumanization, true
	case model.StatusComplianceCheck:
		return model.StageOriginalityCheck, true
	case model.StatusExpertReview:
		return model.StageExpertReview, true
	case model.StatusApproved:
		return model.StageDelivery, true
	}
	return "", false
}
