// Package compliance scores humanized answers for residual AI style and
// originality before they may reach expert review.
package compliance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/pkg/metrics"
)

const (
	SourceExternal  = "external"
	SourceHeuristic = "heuristic"
)

// Config holds the gate thresholds.
type Config struct {
	AIThreshold          float64
	OriginalityThreshold float64
	Timeout              time.Duration
}

// Violation is one failed sub-check.
type Violation struct {
	Reason    model.FlagReason
	Severity  model.Severity
	Score     float64
	Threshold float64
}

// Evaluation is the outcome of one gate pass. A non-compliant evaluation is
// a domain result, not an error.
type Evaluation struct {
	AIScore           float64
	OriginalityScore  float64
	AIPassed          bool
	OriginalityPassed bool
	Compliant         bool
	Source            string
	Matches           []provider.Match
	Violations        []Violation
}

// Gate evaluates text. It is stateless and safe for concurrent use.
type Gate struct {
	originality provider.OriginalityChecker
	cfg         Config
	log         *zap.Logger
}

// New returns a gate. originality may be nil.
func New(originality provider.OriginalityChecker, cfg Config, log *zap.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gate{originality: originality, cfg: cfg, log: log.With(zap.String("module", "compliance"))}
}

// Evaluate scores text. An unreachable originality service falls back to the
// local uniqueness estimate.
func (g *Gate) Evaluate(ctx context.Context, text string) *Evaluation {
	ev := &Evaluation{AIScore: AIScore(text), Source: SourceHeuristic}
	ev.OriginalityScore = -1

	if g.originality != nil {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		report, err := g.originality.CheckOriginality(callCtx, text)
		cancel()
		if err != nil {
			g.log.Warn("Originality service unavailable, using heuristic", zap.Error(err))
		} else {
			ev.Source = SourceExternal
			ev.OriginalityScore = clamp01(1 - report.SimilarityScore)
			ev.Matches = report.Matches
			if report.AIScore > ev.AIScore {
				ev.AIScore = clamp01(report.AIScore)
			}
		}
	}
	if ev.OriginalityScore < 0 {
		ev.OriginalityScore = Uniqueness(text)
	}

	ev.AIPassed = ev.AIScore < g.cfg.AIThreshold
	ev.OriginalityPassed = ev.OriginalityScore > g.cfg.OriginalityThreshold
	ev.Compliant = ev.AIPassed && ev.OriginalityPassed

	if !ev.AIPassed {
		ev.Violations = append(ev.Violations, Violation{
			Reason:    model.FlagAIContent,
			Severity:  SeverityFor(ev.AIScore - g.cfg.AIThreshold),
			Score:     ev.AIScore,
			Threshold: g.cfg.AIThreshold,
		})
	}
	if !ev.OriginalityPassed {
		ev.Violations = append(ev.Violations, Violation{
			Reason:    model.FlagPlagiarism,
			Severity:  SeverityFor(g.cfg.OriginalityThreshold - ev.OriginalityScore),
			Score:     ev.OriginalityScore,
			Threshold: g.cfg.OriginalityThreshold,
		})
	}

	outcome := "compliant"
	if !ev.Compliant {
		outcome = "non_compliant"
	}
	metrics.ComplianceResults.WithLabelValues(outcome).Inc()
	return ev
}

// SeverityFor grades how far a score missed its threshold.
func SeverityFor(excess float64) model.Severity {
	switch {
	case excess < 0.1:
		return model.SeverityLow
	case excess < 0.25:
		return model.SeverityMedium
	case excess < 0.5:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

// Result converts ev into the record kept on the answer.
func (ev *Evaluation) Result(round int, bypassed []string, at time.Time) model.ComplianceResult {
	return model.ComplianceResult{
		Round:            round,
		AIScore:          ev.AIScore,
		OriginalityScore: ev.OriginalityScore,
		AIPassed:         ev.AIPassed,
		OriginalityPass:  ev.OriginalityPassed,
		Compliant:        ev.Compliant,
		OriginalitySrc:   ev.Source,
		Bypassed:         bypassed,
		CheckedAt:        at,
	}
}

// Flags builds one open flag per violation against answerID.
func (ev *Evaluation) Flags(answerID, questionID string, round int, newID func() string, at time.Time) []*model.ComplianceFlag {
	flags := make([]*model.ComplianceFlag, 0, len(ev.Violations))
	for _, v := range ev.Violations {
		details := map[string]interface{}{"round": round, "source": ev.Source}
		if v.Reason == model.FlagPlagiarism && len(ev.Matches) > 0 {
			details["matches"] = len(ev.Matches)
		}
		flags = append(flags, &model.ComplianceFlag{
			ID:          newID(),
			ContentID:   answerID,
			ContentKind: "answer",
			QuestionID:  questionID,
			Reason:      v.Reason,
			Severity:    v.Severity,
			Score:       v.Score,
			Threshold:   v.Threshold,
			Details:     details,
			CreatedAt:   at,
		})
	}
	return flags
}

// Bypass marks sub-checks as passed after an administrative override and
// drops their violations. Scores are kept so the bypass stays visible.
func (ev *Evaluation) Bypass(aiCheck, originality bool) []string {
	var bypassed []string
	kept := ev.Violations[:0]
	for _, v := range ev.Violations {
		switch {
		case aiCheck && v.Reason == model.FlagAIContent:
		case originality && v.Reason == model.FlagPlagiarism:
		default:
			kept = append(kept, v)
		}
	}
	ev.Violations = kept
	if aiCheck {
		ev.AIPassed = true
		bypassed = append(bypassed, "ai_check")
	}
	if originality {
		ev.OriginalityPassed = true
		bypassed = append(bypassed, "originality")
	}
	ev.Compliant = ev.AIPassed && ev.OriginalityPassed
	return bypassed
}
