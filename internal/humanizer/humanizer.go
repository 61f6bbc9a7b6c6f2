// Package humanizer rewrites AI-styled answers. It prefers an external
// humanization provider and falls back to a deterministic rule set.
package humanizer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

// Result is humanized text plus its provenance.
type Result struct {
	Text   string
	Method model.HumanizeMethod
}

// Humanizer is safe for concurrent use.
type Humanizer struct {
	external provider.Humanizer
	timeout  time.Duration
	log      *zap.Logger
}

// New returns a humanizer. external may be nil, in which case every call
// uses the rule-based path.
func New(external provider.Humanizer, timeout time.Duration, log *zap.Logger) *Humanizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Humanizer{external: external, timeout: timeout, log: log.With(zap.String("module", "humanizer"))}
}

// Humanize returns a humanized version of text. It does not fail: provider
// errors are logged and the rule-based fallback is used instead.
func (h *Humanizer) Humanize(ctx context.Context, text, subject string) Result {
	if h.external != nil {
		callCtx, cancel := context.WithTimeout(ctx, h.timeout)
		res, err := h.external.Humanize(callCtx, text, subject)
		cancel()
		if err == nil && strings.TrimSpace(res.Text) != "" {
			metrics.HumanizeMethods.WithLabelValues(string(model.MethodExternal)).Inc()
			return Result{Text: res.Text, Method: model.MethodExternal}
		}
		h.log.Warn("External humanizer unavailable, using rule-based fallback", zap.Error(err))
	}
	metrics.HumanizeMethods.WithLabelValues(string(model.MethodRuleBased)).Inc()
	return Result{Text: RuleBased(text), Method: model.MethodRuleBased}
}

// RuleBased applies, in order: AI phrase replacement, transition insertion,
// thesaurus substitution and register normalization. Same input, same output.
func RuleBased(text string) string {
	text = applyReplacements(text, aiPhrases)
	text = insertTransitions(text)
	text = applyThesaurus(text)
	text = applyReplacements(text, registerForms)
	return text
}
