package model

import "time"

// InputKind describes how a question was submitted.
type InputKind string

const (
	InputText  InputKind = "text"
	InputImage InputKind = "image"
	InputMixed InputKind = "mixed"
)

// Valid reports whether k is a known input kind.
func (k InputKind) Valid() bool {
	return k == InputText || k == InputImage || k == InputMixed
}

// Content is the raw question payload. ExtractedText is filled by the
// text-extraction collaborator for image and mixed questions.
type Content struct {
	Text          string `json:"text,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	ExtractedText string `json:"extracted_text,omitempty"`
}

// Question is the unit that travels through the pipeline.
type Question struct {
	ID          string                 `json:"id"`
	SubmitterID string                 `json:"submitter_id"`
	InputKind   InputKind              `json:"input_kind"`
	Content     Content                `json:"content"`
	Subject     string                 `json:"subject"`
	Status      Status                 `json:"status"`
	Priority    int                    `json:"priority"`
	SubmittedAt time.Time              `json:"submitted_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// QuestionText returns the text the AI stage should answer.
func (q *Question) QuestionText() string {
	switch q.InputKind {
	case InputImage:
		return q.Content.ExtractedText
	case InputMixed:
		if q.Content.ExtractedText == "" {
			return q.Content.Text
		}
		if q.Content.Text == "" {
			return q.Content.ExtractedText
		}
		return q.Content.Text + "\n\n" + q.Content.ExtractedText
	default:
		return q.Content.Text
	}
}

// QuestionFields carries the optional column updates applied together with
// a conditional status change. Nil fields are left untouched.
type QuestionFields struct {
	ProcessedAt *time.Time
	DeliveredAt *time.Time
	Content     *Content
	// Metadata keys are merged into the existing map.
	Metadata map[string]interface{}
}
