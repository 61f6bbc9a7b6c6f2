package model

import "time"

// PipelineMessage lives only on a queue. Attempt is maintained by the
// dispatcher and starts at 1.
type PipelineMessage struct {
	Stage    Stage                  `json:"stage"`
	TargetID string                 `json:"target_id"`
	ExpertID string                 `json:"expert_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Attempt  int                    `json:"attempt"`
}

// StatusSnapshot is what callers see when they poll a question.
type StatusSnapshot struct {
	QuestionID  string     `json:"question_id"`
	Status      Status     `json:"status"`
	AnswerID    string     `json:"answer_id,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Approval    Approval   `json:"approval,omitempty"`
	Retries     int        `json:"compliance_retries"`
	Answer      string     `json:"answer,omitempty"`
	OpenFlags   int        `json:"open_flags"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
