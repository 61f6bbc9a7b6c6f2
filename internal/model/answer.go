package model

import "time"

// VariantKind tags the response variants an answer can hold.
type VariantKind string

const (
	VariantAI        VariantKind = "ai"
	VariantHumanized VariantKind = "humanized"
	VariantExpert    VariantKind = "expert"
)

// HumanizeMethod records the provenance of a humanized variant.
type HumanizeMethod string

const (
	MethodExternal  HumanizeMethod = "external"
	MethodRuleBased HumanizeMethod = "rule_based"
	MethodSkipped   HumanizeMethod = "skipped"
)

// SourceResponse is one provider response kept for audit.
type SourceResponse struct {
	Provider   string                 `json:"provider"`
	Text       string                 `json:"text"`
	Weight     float64                `json:"weight"`
	Similarity float64                `json:"similarity"`
	Score      float64                `json:"score"`
	Usage      map[string]interface{} `json:"usage,omitempty"`
}

// AIVariant is the aggregated model answer.
type AIVariant struct {
	Text       string           `json:"text"`
	Provider   string           `json:"provider"`
	Confidence float64          `json:"confidence"`
	Sources    []SourceResponse `json:"sources"`
}

// HumanizedVariant is one humanization pass. Round counts compliance loopbacks.
type HumanizedVariant struct {
	Text   string         `json:"text"`
	Method HumanizeMethod `json:"method"`
	Round  int            `json:"round"`
}

// ExpertVariant is the expert-corrected answer.
type ExpertVariant struct {
	Text     string `json:"text"`
	ExpertID string `json:"expert_id"`
	Notes    string `json:"notes,omitempty"`
}

// Variant is a tagged union; exactly one of AI, Humanized or Expert is set,
// matching Kind. Extra is provider metadata the pipeline never inspects.
type Variant struct {
	Kind      VariantKind            `json:"kind"`
	AI        *AIVariant             `json:"ai,omitempty"`
	Humanized *HumanizedVariant      `json:"humanized,omitempty"`
	Expert    *ExpertVariant         `json:"expert,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Text returns the variant body regardless of kind.
func (v Variant) Text() string {
	switch v.Kind {
	case VariantAI:
		if v.AI != nil {
			return v.AI.Text
		}
	case VariantHumanized:
		if v.Humanized != nil {
			return v.Humanized.Text
		}
	case VariantExpert:
		if v.Expert != nil {
			return v.Expert.Text
		}
	}
	return ""
}

// NewAIVariant, NewHumanizedVariant and NewExpertVariant build tagged variants.
func NewAIVariant(v AIVariant, at time.Time) Variant {
	return Variant{Kind: VariantAI, AI: &v, CreatedAt: at}
}

func NewHumanizedVariant(v HumanizedVariant, at time.Time) Variant {
	return Variant{Kind: VariantHumanized, Humanized: &v, CreatedAt: at}
}

func NewExpertVariant(v ExpertVariant, at time.Time) Variant {
	return Variant{Kind: VariantExpert, Expert: &v, CreatedAt: at}
}

// Approval is tri-state.
type Approval string

const (
	ApprovalUnset    Approval = ""
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

// ComplianceResult is one gate evaluation kept on the answer.
type ComplianceResult struct {
	Round            int       `json:"round"`
	AIScore          float64   `json:"ai_score"`
	OriginalityScore float64   `json:"originality_score"`
	AIPassed         bool      `json:"ai_passed"`
	OriginalityPass  bool      `json:"originality_passed"`
	Compliant        bool      `json:"compliant"`
	OriginalitySrc   string    `json:"originality_source"`
	Bypassed         []string  `json:"bypassed,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Answer holds every variant produced for a question. Variants are appended,
// never replaced. Revision guards concurrent writers.
type Answer struct {
	ID                string                 `json:"id"`
	QuestionID        string                 `json:"question_id"`
	Variants          []Variant              `json:"variants"`
	Confidence        float64                `json:"confidence"`
	Approval          Approval               `json:"approval"`
	RejectionReason   string                 `json:"rejection_reason,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	ComplianceRetries int                    `json:"compliance_retries"`
	Compliance        []ComplianceResult     `json:"compliance,omitempty"`
	Revision          int                    `json:"revision"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Latest returns the most recent variant of kind, if any.
func (a *Answer) Latest(kind VariantKind) (Variant, bool) {
	for i := len(a.Variants) - 1; i >= 0; i-- {
		if a.Variants[i].Kind == kind {
			return a.Variants[i], true
		}
	}
	return Variant{}, false
}

// Current returns the text to deliver: expert beats humanized beats AI.
func (a *Answer) Current() (Variant, bool) {
	for _, kind := range []VariantKind{VariantExpert, VariantHumanized, VariantAI} {
		if v, ok := a.Latest(kind); ok {
			return v, true
		}
	}
	return Variant{}, false
}

// HasHumanizedRound reports whether a humanized variant for round exists.
func (a *Answer) HasHumanizedRound(round int) bool {
	for _, v := range a.Variants {
		if v.Kind == VariantHumanized && v.Humanized != nil && v.Humanized.Round == round {
			return true
		}
	}
	return false
}

// HasComplianceRound reports whether the gate already ran for round.
func (a *Answer) HasComplianceRound(round int) bool {
	for _, c := range a.Compliance {
		if c.Round == round {
			return true
		}
	}
	return false
}

// MetaBool reads a boolean marker from the metadata map.
func (a *Answer) MetaBool(key string) bool {
	if a.Metadata == nil {
		return false
	}
	switch v := a.Metadata[key].(type) {
	case bool:
		return v
	case map[string]interface{}:
		b, _ := v["active"].(bool)
		return b
	}
	return false
}

// SetMeta writes key into the metadata map, allocating it if needed.
func (a *Answer) SetMeta(key string, value interface{}) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]interface{})
	}
	a.Metadata[key] = value
}
