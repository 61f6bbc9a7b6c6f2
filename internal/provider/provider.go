// Package provider holds the typed clients for the external language-model,
// humanization and originality services. Clients are stateless apart from
// their circuit breaker; one call is one outbound request.
package provider

import (
	"context"

	"github.com/nmxmxh/answerflow/internal/model"
)

// Response is one language-model answer.
type Response struct {
	Provider string
	Text     string
	Usage    map[string]interface{}
}

// LLM answers questions.
type LLM interface {
	Name() string
	Weight() float64
	Query(ctx context.Context, text, subject string) (*Response, error)
}

// HumanizeResult is the output of an external humanization call.
type HumanizeResult struct {
	Text   string
	Method model.HumanizeMethod
}

// Humanizer rewrites AI-styled text.
type Humanizer interface {
	Humanize(ctx context.Context, text, subject string) (*HumanizeResult, error)
}

// Match is one similar source reported by an originality service.
type Match struct {
	Source     string  `json:"source"`
	URL        string  `json:"url,omitempty"`
	Similarity float64 `json:"similarity"`
}

// OriginalityReport is the result of an originality check. Scores are in [0,1].
type OriginalityReport struct {
	SimilarityScore float64 `json:"similarity_score"`
	AIScore         float64 `json:"ai_score"`
	Matches         []Match `json:"matches,omitempty"`
}

// OriginalityChecker scores text against external corpora.
type OriginalityChecker interface {
	CheckOriginality(ctx context.Context, text string) (*OriginalityReport, error)
}

// StaticLLM returns canned responses. It backs the dev profile and tests.
type StaticLLM struct {
	ProviderName string
	TrustWeight  float64
	Answer       func(text, subject string) (string, error)
}

func (s *StaticLLM) Name() string { return s.ProviderName }

func (s *StaticLLM) Weight() float64 {
	if s.TrustWeight <= 0 {
		return 1
	}
	return s.TrustWeight
}

func (s *StaticLLM) Query(ctx context.Context, text, subject string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := s.Answer(text, subject)
	if err != nil {
		return nil, err
	}
	return &Response{Provider: s.ProviderName, Text: out}, nil
}
